package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Raw is a decoded but not yet validated payload. Numbers are json.Number.
type Raw map[string]any

// DecodeError reports a payload that is not a UTF-8 JSON object
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode payload: %s: %v", e.Reason, e.Err)
	}
	return "decode payload: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SchemaError lists every field of a record that is missing or mistyped
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "schema: " + strings.Join(e.Problems, "; ")
}

func (e *SchemaError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// IsSchemaError reports whether err carries a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// DecodePayload parses one broker message into a Raw object.
func DecodePayload(payload []byte) (Raw, error) {
	if !utf8.Valid(payload) {
		return nil, &DecodeError{Reason: "payload is not valid UTF-8"}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &DecodeError{Reason: "trailing data after JSON value"}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("expected JSON object, got %s", jsonKind(v))}
	}
	return Raw(obj), nil
}

// Normalize validates raw against Schema and builds a Record.
// Unknown keys are ignored; missing or mistyped keys yield a *SchemaError.
func Normalize(raw Raw) (Record, error) {
	var rec Record
	schemaErr := &SchemaError{}

	ptrs := rec.fields()
	for i, f := range Schema {
		v, ok := raw[f.Name]
		if !ok {
			schemaErr.add("%s: missing", f.Name)
			continue
		}

		switch dst := ptrs[i].(type) {
		case *string:
			s, ok := v.(string)
			if !ok {
				schemaErr.add("%s: want %s, got %s", f.Name, f.Kind, jsonKind(v))
				continue
			}
			if err := checkString(f.Kind, s); err != nil {
				schemaErr.add("%s: %v", f.Name, err)
				continue
			}
			*dst = s
		case *float64:
			x, err := toFloat(v)
			if err != nil {
				schemaErr.add("%s: want %s, got %s", f.Name, f.Kind, jsonKind(v))
				continue
			}
			*dst = x
		case *int64:
			n, err := toInt(v)
			if err != nil {
				schemaErr.add("%s: want %s, got %v", f.Name, f.Kind, describe(v))
				continue
			}
			*dst = n
		}
	}

	if len(schemaErr.Problems) > 0 {
		return Record{}, schemaErr
	}
	return rec, nil
}

func checkString(kind Kind, s string) error {
	switch kind {
	case KindFlag:
		if s != "Yes" && s != "No" {
			return fmt.Errorf("want %s, got %q", kind, s)
		}
	case KindDate:
		if _, err := time.Parse(DateLayout, s); err != nil {
			return fmt.Errorf("want %s, got %q", kind, s)
		}
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, errors.New("not a number")
	}
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		// values built in-process rather than decoded from the wire
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, errors.New("not an integer")
		}
		return int64(x), nil
	default:
		return 0, errors.New("not a number")
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func describe(v any) string {
	if n, ok := v.(json.Number); ok {
		return "number " + n.String()
	}
	return jsonKind(v)
}
