package validator

import (
	"fmt"

	"github.com/eddielth/risk-stream/config"
	"github.com/eddielth/risk-stream/telemetry"
)

// Validator checks a normalized record
type Validator interface {
	// Validate returns a *telemetry.SchemaError when the record is rejected
	Validate(rec telemetry.Record) error
}

// RangeValidator bounds one numeric field, inclusive on both ends
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks that the field lies within [Min, Max]
func (rv *RangeValidator) Validate(rec telemetry.Record) error {
	raw, ok := rec.Value(rv.Field)
	if !ok {
		return &telemetry.SchemaError{Problems: []string{fmt.Sprintf("%s: no such field", rv.Field)}}
	}

	var value float64
	switch v := raw.(type) {
	case float64:
		value = v
	case int64:
		value = float64(v)
	default:
		return &telemetry.SchemaError{Problems: []string{fmt.Sprintf("%s: not a numeric field", rv.Field)}}
	}

	if value < rv.Min || value > rv.Max {
		return &telemetry.SchemaError{Problems: []string{
			fmt.Sprintf("%s: value %v outside range [%v, %v]", rv.Field, value, rv.Min, rv.Max),
		}}
	}
	return nil
}

// FromConfig builds range validators, rejecting rules on unknown or
// non-numeric fields up front.
func FromConfig(rules []config.RangeRule) ([]Validator, error) {
	kinds := make(map[string]telemetry.Kind, len(telemetry.Schema))
	for _, f := range telemetry.Schema {
		kinds[f.Name] = f.Kind
	}

	validators := make([]Validator, 0, len(rules))
	for _, r := range rules {
		kind, ok := kinds[r.Field]
		if !ok {
			return nil, fmt.Errorf("range rule: unknown field %s", r.Field)
		}
		if kind != telemetry.KindFloat && kind != telemetry.KindInt {
			return nil, fmt.Errorf("range rule: field %s is not numeric", r.Field)
		}
		validators = append(validators, &RangeValidator{Field: r.Field, Min: r.Min, Max: r.Max})
	}
	return validators, nil
}

// All runs every validator and returns the first rejection
func All(rec telemetry.Record, validators []Validator) error {
	for _, v := range validators {
		if err := v.Validate(rec); err != nil {
			return err
		}
	}
	return nil
}
