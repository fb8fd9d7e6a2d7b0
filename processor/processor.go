package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eddielth/risk-stream/inference"
	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/metrics"
	"github.com/eddielth/risk-stream/queue"
	"github.com/eddielth/risk-stream/telemetry"
	"github.com/eddielth/risk-stream/validator"
)

// State is the position of the processor within one loop iteration
type State int32

const (
	Waiting State = iota
	Dequeued
	Normalized
	Scored
	Appended
	Flushed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Dequeued:
		return "DEQUEUED"
	case Normalized:
		return "NORMALIZED"
	case Scored:
		return "SCORED"
	case Appended:
		return "APPENDED"
	case Flushed:
		return "FLUSHED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Flusher persists a full batch. It must not retain the slice after returning.
type Flusher interface {
	Flush(ctx context.Context, batch []telemetry.ScoredRecord) error
}

// Config tunes the processor
type Config struct {
	// Threshold is the batch length that triggers a flush
	Threshold int
	// PollInterval bounds one blocking dequeue
	PollInterval time.Duration
	// FlushRetries is how many times a failed local write is retried
	FlushRetries int
	// FlushRetryBackoff is the first retry delay, doubled on every attempt
	FlushRetryBackoff time.Duration
}

// Processor is the single consumer of the queue. It owns the batch.
type Processor struct {
	queue      *queue.Queue[telemetry.Raw]
	engine     inference.Engine
	flusher    Flusher
	validators []validator.Validator
	metrics    *metrics.Metrics
	cfg        Config

	batch   []telemetry.ScoredRecord
	state   atomic.Int32
	flushes atomic.Int64
}

// Option customizes a Processor
type Option func(*Processor)

// WithValidators runs extra checks on every normalized record
func WithValidators(v []validator.Validator) Option {
	return func(p *Processor) { p.validators = v }
}

// WithMetrics records processing outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a processor draining q
func New(q *queue.Queue[telemetry.Raw], engine inference.Engine, flusher Flusher, cfg Config, opts ...Option) *Processor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.FlushRetries < 0 {
		cfg.FlushRetries = 0
	}

	p := &Processor{
		queue:   q,
		engine:  engine,
		flusher: flusher,
		cfg:     cfg,
		batch:   make([]telemetry.ScoredRecord, 0, cfg.Threshold),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current loop state
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Flushes returns how many batches were persisted
func (p *Processor) Flushes() int64 {
	return p.flushes.Load()
}

// BatchLen returns the number of records awaiting a flush. Only safe to
// call from the goroutine running Run, or after Run has returned.
func (p *Processor) BatchLen() int {
	return len(p.batch)
}

func (p *Processor) setState(s State) {
	p.state.Store(int32(s))
}

// Run processes one record per iteration until the queue is closed and
// drained, then flushes any partial batch and returns nil. Cancelling ctx
// aborts immediately without the final flush. A local persistence failure
// that survives every retry is returned and leaves the batch intact.
func (p *Processor) Run(ctx context.Context) error {
	logger.Info("batch processor started (threshold %d)", p.cfg.Threshold)

	for {
		p.setState(Waiting)
		p.metrics.SetQueueLength(p.queue.Len())

		raw, err := p.queue.Dequeue(ctx, p.cfg.PollInterval)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrClosed):
			return p.drainFlush(ctx)
		default:
			logger.Warn("batch processor aborted with %d unflushed records: %v", len(p.batch), err)
			return err
		}

		if err := p.process(ctx, raw); err != nil {
			return err
		}
	}
}

// process moves one dequeued record through the remaining states
func (p *Processor) process(ctx context.Context, raw telemetry.Raw) error {
	p.setState(Dequeued)

	rec, err := telemetry.Normalize(raw)
	if err == nil {
		err = validator.All(rec, p.validators)
	}
	if err != nil {
		p.metrics.Dropped(metrics.ReasonSchema)
		logger.Warn("dropping record: %v", err)
		return nil
	}
	p.setState(Normalized)

	scored := p.score(rec)
	p.setState(Scored)

	p.batch = append(p.batch, scored)
	p.metrics.SetBatchLength(len(p.batch))
	p.setState(Appended)

	if len(p.batch) < p.cfg.Threshold {
		return nil
	}
	return p.flush(ctx)
}

func (p *Processor) score(rec telemetry.Record) telemetry.ScoredRecord {
	start := time.Now()
	label, err := p.engine.Predict(rec)
	ok := err == nil
	p.metrics.Scored(ok, time.Since(start))

	if !ok {
		logger.Warn("scoring failed for %s/%s, using sentinel: %v", rec.DeviceType, rec.DeviceName, err)
		label = inference.Sentinel
	}
	logger.Debug("scored %s/%s: %s", rec.DeviceType, rec.DeviceName, label)
	return telemetry.ScoredRecord{Record: rec, PredictedFailureRisk: label}
}

// flush persists the batch with retries and clears it only after the
// local write succeeded.
func (p *Processor) flush(ctx context.Context) error {
	backoff := p.cfg.FlushRetryBackoff

	var err error
	for attempt := 0; attempt <= p.cfg.FlushRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying flush of %d records (attempt %d/%d) in %v", len(p.batch), attempt, p.cfg.FlushRetries, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("flush aborted: %w", ctx.Err())
			}
			backoff *= 2
		}

		if err = p.flusher.Flush(ctx, p.batch); err == nil {
			p.batch = p.batch[:0]
			p.flushes.Add(1)
			p.metrics.SetBatchLength(0)
			p.setState(Flushed)
			return nil
		}
		logger.Error("flush failed: %v", err)
	}

	return fmt.Errorf("giving up on batch of %d records: %w", len(p.batch), err)
}

// drainFlush persists the partial batch left after the queue closed
func (p *Processor) drainFlush(ctx context.Context) error {
	if len(p.batch) == 0 {
		logger.Info("batch processor stopped, nothing left to flush")
		return nil
	}

	logger.Info("queue drained, flushing final batch of %d records", len(p.batch))
	return p.flush(ctx)
}
