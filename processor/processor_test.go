package processor

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/eddielth/risk-stream/inference"
	"github.com/eddielth/risk-stream/queue"
	"github.com/eddielth/risk-stream/storage"
	"github.com/eddielth/risk-stream/telemetry"
	"github.com/eddielth/risk-stream/validator"
)

type memObjectStore struct {
	mu    sync.Mutex
	names []string
}

func (m *memObjectStore) Put(_ context.Context, name string, r io.Reader, _ int64) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return nil
}

// countingFlusher records batch sizes and can fail a number of times first
type countingFlusher struct {
	sizes    []int
	failures int
	err      error
}

func (f *countingFlusher) Flush(_ context.Context, batch []telemetry.ScoredRecord) error {
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.sizes = append(f.sizes, len(batch))
	return nil
}

func rawRecord(t *testing.T, i int) telemetry.Raw {
	t.Helper()
	rec := telemetry.Record{
		DeviceType:             "Patient Ventilator",
		DeviceName:             "Hamilton G5",
		RuntimeHours:           1000 + float64(i)*0.25,
		TemperatureC:           18 + float64(i%20),
		PressureKPa:            95.5,
		VibrationMMS:           0.333,
		CurrentDrawA:           0.9,
		SignalNoiseLevel:       2,
		ClimateControl:         "No",
		HumidityPercent:        55,
		Location:               "Hospital D - South Region",
		OperationalCycles:      int64(i),
		UserInteractionsPerDay: 7.5,
		LastServiceDate:        "20-11-2024",
		ApproxDeviceAgeYears:   12.5,
		NumRepairs:             int64(i % 7),
		ErrorLogsCount:         int64(i % 11),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw, err := telemetry.DecodePayload(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return raw
}

var stubEngine = inference.Func(func(rec telemetry.Record) (string, error) {
	if rec.ErrorLogsCount > 5 {
		return "High", nil
	}
	return "Low", nil
})

var failingEngine = inference.Func(func(telemetry.Record) (string, error) {
	return "", fmt.Errorf("%w: model crashed", inference.ErrScoring)
})

func testConfig() Config {
	return Config{Threshold: 100, PollInterval: 5 * time.Millisecond}
}

func fill(t *testing.T, q *queue.Queue[telemetry.Raw], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !q.Enqueue(rawRecord(t, i)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
}

func runUntilClosed(t *testing.T, p *Processor, q *queue.Queue[telemetry.Raw]) error {
	t.Helper()
	q.Close()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("processor did not stop")
		return nil
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return rows
}

func TestNoFlushBelowThreshold(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	f := &countingFlusher{}
	p := New(q, stubEngine, f, testConfig())

	fill(t, q, 99)
	ctx := context.Background()
	for i := 0; i < 99; i++ {
		raw, _ := q.TryDequeue()
		if err := p.process(ctx, raw); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if len(f.sizes) != 0 {
		t.Fatalf("expected no flush below threshold, got %v", f.sizes)
	}
	if p.BatchLen() != 99 {
		t.Fatalf("expected 99 buffered records, got %d", p.BatchLen())
	}

	fill(t, q, 1)
	raw, _ := q.TryDequeue()
	if err := p.process(ctx, raw); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.sizes) != 1 || f.sizes[0] != 100 {
		t.Fatalf("expected exactly one flush of 100, got %v", f.sizes)
	}
	if p.BatchLen() != 0 {
		t.Fatalf("batch should be empty after flush, got %d", p.BatchLen())
	}
	if p.State() != Flushed {
		t.Fatalf("expected FLUSHED state, got %s", p.State())
	}
}

func TestScenarioA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions_output.csv")
	local, err := storage.NewCSVFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer local.Close()

	remote := &memObjectStore{}
	flusher := storage.NewFlusher(local, storage.WithObjectStore(remote, time.Second))

	q := queue.New[telemetry.Raw](0)
	p := New(q, stubEngine, flusher, testConfig())
	fill(t, q, 100)

	if err := runUntilClosed(t, p, q); err != nil {
		t.Fatalf("run: %v", err)
	}

	if p.Flushes() != 1 {
		t.Fatalf("expected exactly one flush, got %d", p.Flushes())
	}
	rows := readRows(t, path)
	if len(rows) != 101 {
		t.Fatalf("expected header + 100 rows, got %d", len(rows))
	}
	if len(remote.names) != 1 {
		t.Fatalf("expected one remote object, got %v", remote.names)
	}
	if !regexp.MustCompile(`^predictions_\d{8}_\d{6}\.csv$`).MatchString(remote.names[0]) {
		t.Fatalf("unexpected object name %s", remote.names[0])
	}
}

func TestScenarioBFailingEngineUsesSentinel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	local, err := storage.NewCSVFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer local.Close()

	q := queue.New[telemetry.Raw](0)
	p := New(q, failingEngine, storage.NewFlusher(local), testConfig())
	fill(t, q, 100)

	if err := runUntilClosed(t, p, q); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != 101 {
		t.Fatalf("expected 100 data rows, got %d", len(rows)-1)
	}
	for i, row := range rows[1:] {
		if row[17] != inference.Sentinel {
			t.Fatalf("row %d: expected sentinel, got %q", i, row[17])
		}
	}
}

func TestScenarioCShutdownFlushesRemainder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	local, err := storage.NewCSVFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer local.Close()

	q := queue.New[telemetry.Raw](0)
	p := New(q, stubEngine, storage.NewFlusher(local), testConfig())
	fill(t, q, 250)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for q.Len() > 0 || p.Flushes() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("processor did not drain: len=%d flushes=%d", q.Len(), p.Flushes())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if p.Flushes() != 2 {
		t.Fatalf("expected two automatic flushes, got %d", p.Flushes())
	}
	if rows := readRows(t, path); len(rows) != 201 {
		t.Fatalf("expected 200 rows before shutdown, got %d", len(rows)-1)
	}

	q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("processor did not stop after close")
	}

	if p.Flushes() != 3 {
		t.Fatalf("expected shutdown flush, got %d flushes", p.Flushes())
	}
	if rows := readRows(t, path); len(rows) != 251 {
		t.Fatalf("expected 250 rows after shutdown, got %d", len(rows)-1)
	}
	if p.BatchLen() != 0 {
		t.Fatalf("batch should be empty after shutdown flush")
	}
}

func TestOutputIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	var outputs [2][]byte

	for i := range outputs {
		path := filepath.Join(dir, fmt.Sprintf("run%d.csv", i))
		local, err := storage.NewCSVFile(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		q := queue.New[telemetry.Raw](0)
		p := New(q, stubEngine, storage.NewFlusher(local), Config{Threshold: 7, PollInterval: time.Millisecond})
		fill(t, q, 30)
		if err := runUntilClosed(t, p, q); err != nil {
			t.Fatalf("run: %v", err)
		}
		local.Close()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		outputs[i] = data
	}

	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Fatalf("same input produced different output files")
	}
}

func TestSchemaErrorsAreDropped(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	f := &countingFlusher{}
	p := New(q, stubEngine, f, Config{Threshold: 2, PollInterval: time.Millisecond})

	bad := rawRecord(t, 0)
	delete(bad, "Location")
	q.Enqueue(bad)
	q.Enqueue(rawRecord(t, 1))
	q.Enqueue(telemetry.Raw{"DeviceType": 12})
	q.Enqueue(rawRecord(t, 2))

	if err := runUntilClosed(t, p, q); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.sizes) != 1 || f.sizes[0] != 2 {
		t.Fatalf("expected the two valid records in one flush, got %v", f.sizes)
	}
}

func TestRangeValidatorsDropRecords(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	f := &countingFlusher{}
	validators := []validator.Validator{&validator.RangeValidator{Field: "NumRepairs", Min: 0, Max: 2}}
	p := New(q, stubEngine, f, Config{Threshold: 1000, PollInterval: time.Millisecond}, WithValidators(validators))

	fill(t, q, 7) // NumRepairs = i % 7 → 0..6, three pass

	if err := runUntilClosed(t, p, q); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.sizes) != 1 || f.sizes[0] != 3 {
		t.Fatalf("expected 3 records to survive range checks, got %v", f.sizes)
	}
}

func TestFlushRetriesKeepBatch(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	f := &countingFlusher{failures: 2, err: &storage.PersistenceError{Stage: storage.StageLocal, Err: errors.New("disk full")}}
	p := New(q, stubEngine, f, Config{Threshold: 3, PollInterval: time.Millisecond, FlushRetries: 2, FlushRetryBackoff: time.Millisecond})
	fill(t, q, 3)

	if err := runUntilClosed(t, p, q); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.sizes) != 1 || f.sizes[0] != 3 {
		t.Fatalf("expected the full batch to land after retries, got %v", f.sizes)
	}
}

func TestLocalFailureHaltsWithoutLosingBatch(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	f := &countingFlusher{failures: 100, err: &storage.PersistenceError{Stage: storage.StageLocal, Err: errors.New("read-only fs")}}
	p := New(q, stubEngine, f, Config{Threshold: 2, PollInterval: time.Millisecond, FlushRetries: 1, FlushRetryBackoff: time.Millisecond})
	fill(t, q, 5)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		var pe *storage.PersistenceError
		if !errors.As(err, &pe) || pe.Stage != storage.StageLocal {
			t.Fatalf("expected local PersistenceError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("processor should halt on persistent local failure")
	}

	if p.BatchLen() != 2 {
		t.Fatalf("failed batch must be kept, got %d records", p.BatchLen())
	}
	if q.Len() != 3 {
		t.Fatalf("remaining records must stay queued, got %d", q.Len())
	}
}

func TestContextCancelSkipsFinalFlush(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	f := &countingFlusher{}
	p := New(q, stubEngine, f, Config{Threshold: 100, PollInterval: time.Millisecond})
	fill(t, q, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for q.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.sizes) != 0 {
		t.Fatalf("cancel must not flush, got %v", f.sizes)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Waiting: "WAITING", Scored: "SCORED", Flushed: "FLUSHED", State(42): "State(42)"} {
		if s.String() != want {
			t.Fatalf("%d: expected %s, got %s", int(s), want, s)
		}
	}
}
