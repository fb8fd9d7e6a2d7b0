package inference

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/telemetry"
)

// Sentinel replaces the label of a record whose scoring failed.
const Sentinel = "Error"

// ErrScoring wraps every failure returned by an Engine.
var ErrScoring = errors.New("scoring failed")

// Engine scores one normalized record
type Engine interface {
	Predict(rec telemetry.Record) (string, error)
}

// Func adapts a plain function to Engine
type Func func(rec telemetry.Record) (string, error)

// Predict calls f
func (f Func) Predict(rec telemetry.Record) (string, error) {
	return f(rec)
}

// ScriptModel is a model artifact written in JavaScript. The script must
// define predict(features, columns) returning a string or numeric label.
// It is evaluated once on load; calls are serialized on one runtime.
type ScriptModel struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	predict goja.Callable
	columns goja.Value
	path    string
	timeout time.Duration
}

// LoadScriptModel reads and evaluates the artifact at path
func LoadScriptModel(path string, timeout time.Duration) (*ScriptModel, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load model artifact %s: %w", path, err)
	}
	return NewScriptModel(string(code), path, timeout)
}

// NewScriptModel evaluates code as a model artifact named name
func NewScriptModel(code, name string, timeout time.Duration) (*ScriptModel, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Debug("[model] %s", msg)
	})

	// days elapsed since a dd-mm-yyyy date, for service-age features
	_ = vm.Set("daysSince", func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		t, err := time.Parse(telemetry.DateLayout, s)
		if err != nil {
			panic(vm.NewTypeError("daysSince: invalid date %q", s))
		}
		return vm.ToValue(math.Floor(time.Since(t).Hours() / 24))
	})

	if _, err := vm.RunScript(name, code); err != nil {
		return nil, fmt.Errorf("failed to evaluate model artifact %s: %w", name, err)
	}

	predict, ok := goja.AssertFunction(vm.Get("predict"))
	if !ok {
		return nil, fmt.Errorf("model artifact %s does not define a 'predict' function", name)
	}

	cols := telemetry.Columns()
	items := make([]interface{}, len(cols))
	for i, c := range cols {
		items[i] = c
	}

	logger.Info("loaded model artifact %s", name)
	return &ScriptModel{
		vm:      vm,
		predict: predict,
		columns: vm.NewArray(items...),
		path:    name,
		timeout: timeout,
	}, nil
}

// Predict scores rec. Failures wrap ErrScoring.
func (m *ScriptModel) Predict(rec telemetry.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	features := m.vm.NewObject()
	for i, v := range rec.Values() {
		if err := features.Set(telemetry.Schema[i].Name, v); err != nil {
			return "", fmt.Errorf("%w: set feature %s: %v", ErrScoring, telemetry.Schema[i].Name, err)
		}
	}

	if m.timeout > 0 {
		fired := make(chan struct{})
		timer := time.AfterFunc(m.timeout, func() {
			m.vm.Interrupt("prediction timed out")
			close(fired)
		})
		defer func() {
			// a late interrupt must not leak into the next call
			if !timer.Stop() {
				<-fired
			}
			m.vm.ClearInterrupt()
		}()
	}

	result, err := m.predict(goja.Undefined(), features, m.columns)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrScoring, err)
	}

	label, err := exportLabel(result)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrScoring, err)
	}
	return label, nil
}

func exportLabel(v goja.Value) (string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", errors.New("predict returned no label")
	}

	switch x := v.Export().(type) {
	case string:
		if x == "" {
			return "", errors.New("predict returned an empty label")
		}
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("predict returned %v", x)
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("predict returned unsupported label type %T", x)
	}
}
