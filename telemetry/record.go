package telemetry

import (
	"strconv"
)

// DateLayout is the wire format of LastServiceDate (dd-mm-yyyy).
const DateLayout = "02-01-2006"

// LabelColumn is the column appended to every scored row.
const LabelColumn = "PredictedFailureRisk"

// Kind is the wire type of a schema field
type Kind int

const (
	// KindString is an open string
	KindString Kind = iota
	// KindFloat is any JSON number
	KindFloat
	// KindInt is an integral JSON number
	KindInt
	// KindFlag is the "Yes"/"No" climate-control flag
	KindFlag
	// KindDate is a dd-mm-yyyy date string
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFloat:
		return "number"
	case KindInt:
		return "integer"
	case KindFlag:
		return `"Yes" or "No"`
	case KindDate:
		return "dd-mm-yyyy date"
	default:
		return "unknown"
	}
}

// Field describes one column of the telemetry schema
type Field struct {
	Name string
	Kind Kind
}

// Schema lists the 17 telemetry columns in the order the model was trained on.
// Output rows and model features follow this order.
var Schema = [...]Field{
	{"DeviceType", KindString},
	{"DeviceName", KindString},
	{"RuntimeHours", KindFloat},
	{"TemperatureC", KindFloat},
	{"PressureKPa", KindFloat},
	{"VibrationMM_S", KindFloat},
	{"CurrentDrawA", KindFloat},
	{"SignalNoiseLevel", KindFloat},
	{"ClimateControl", KindFlag},
	{"HumidityPercent", KindFloat},
	{"Location", KindString},
	{"OperationalCycles", KindInt},
	{"UserInteractionsPerDay", KindFloat},
	{"LastServiceDate", KindDate},
	{"ApproxDeviceAgeYears", KindFloat},
	{"NumRepairs", KindInt},
	{"ErrorLogsCount", KindInt},
}

// Record is one normalized device reading
type Record struct {
	DeviceType             string  `json:"DeviceType"`
	DeviceName             string  `json:"DeviceName"`
	RuntimeHours           float64 `json:"RuntimeHours"`
	TemperatureC           float64 `json:"TemperatureC"`
	PressureKPa            float64 `json:"PressureKPa"`
	VibrationMMS           float64 `json:"VibrationMM_S"`
	CurrentDrawA           float64 `json:"CurrentDrawA"`
	SignalNoiseLevel       float64 `json:"SignalNoiseLevel"`
	ClimateControl         string  `json:"ClimateControl"`
	HumidityPercent        float64 `json:"HumidityPercent"`
	Location               string  `json:"Location"`
	OperationalCycles      int64   `json:"OperationalCycles"`
	UserInteractionsPerDay float64 `json:"UserInteractionsPerDay"`
	LastServiceDate        string  `json:"LastServiceDate"`
	ApproxDeviceAgeYears   float64 `json:"ApproxDeviceAgeYears"`
	NumRepairs             int64   `json:"NumRepairs"`
	ErrorLogsCount         int64   `json:"ErrorLogsCount"`
}

// fields returns pointers to the record fields in Schema order.
func (r *Record) fields() [len(Schema)]any {
	return [len(Schema)]any{
		&r.DeviceType,
		&r.DeviceName,
		&r.RuntimeHours,
		&r.TemperatureC,
		&r.PressureKPa,
		&r.VibrationMMS,
		&r.CurrentDrawA,
		&r.SignalNoiseLevel,
		&r.ClimateControl,
		&r.HumidityPercent,
		&r.Location,
		&r.OperationalCycles,
		&r.UserInteractionsPerDay,
		&r.LastServiceDate,
		&r.ApproxDeviceAgeYears,
		&r.NumRepairs,
		&r.ErrorLogsCount,
	}
}

// Values returns the field values in Schema order.
func (r Record) Values() []any {
	ptrs := r.fields()
	out := make([]any, len(ptrs))
	for i, p := range ptrs {
		switch v := p.(type) {
		case *string:
			out[i] = *v
		case *float64:
			out[i] = *v
		case *int64:
			out[i] = *v
		}
	}
	return out
}

// Value returns a single field by its wire name.
func (r Record) Value(name string) (any, bool) {
	for i, f := range Schema {
		if f.Name == name {
			return r.Values()[i], true
		}
	}
	return nil, false
}

// Row formats the record as CSV cells in Schema order.
func (r Record) Row() []string {
	values := r.Values()
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = formatCell(v)
	}
	return row
}

func formatCell(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

// Columns returns the schema column names in order.
func Columns() []string {
	cols := make([]string, len(Schema))
	for i, f := range Schema {
		cols[i] = f.Name
	}
	return cols
}

// ScoredRecord is a record plus its predicted failure risk
type ScoredRecord struct {
	Record
	PredictedFailureRisk string `json:"PredictedFailureRisk"`
}

// Header returns the output file header: schema columns plus the label column.
func Header() []string {
	return append(Columns(), LabelColumn)
}

// Row formats the scored record as CSV cells, label last.
func (s ScoredRecord) Row() []string {
	return append(s.Record.Row(), s.PredictedFailureRisk)
}
