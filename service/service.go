package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/eddielth/risk-stream/config"
	"github.com/eddielth/risk-stream/inference"
	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/metrics"
	"github.com/eddielth/risk-stream/mqtt"
	"github.com/eddielth/risk-stream/processor"
	"github.com/eddielth/risk-stream/queue"
	"github.com/eddielth/risk-stream/storage"
	"github.com/eddielth/risk-stream/telemetry"
	"github.com/eddielth/risk-stream/validator"
)

// Ingest is the broker side of the pipeline
type Ingest interface {
	Start() error
	StopAccepting()
	Disconnect()
}

// IngestFactory builds the ingest feeding sink
type IngestFactory func(cfg config.MQTTConfig, sink mqtt.Sink, m *metrics.Metrics) (Ingest, error)

func mqttIngest(cfg config.MQTTConfig, sink mqtt.Sink, m *metrics.Metrics) (Ingest, error) {
	sub, err := mqtt.NewSubscriber(cfg, sink, m)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Service owns every component of the pipeline and their lifecycle
type Service struct {
	cfg *config.Config

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	queue     *queue.Queue[telemetry.Raw]
	ingest    Ingest
	model     inference.Engine
	local     *storage.CSVFile
	mirrors   *storage.Manager
	processor *processor.Processor

	done     chan struct{}
	runErr   error
	stopOnce sync.Once
}

// New builds the pipeline using the MQTT subscriber
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	return NewWithIngest(ctx, cfg, mqttIngest)
}

// NewWithIngest connects the broker, loads the model and opens storage, in
// that order. Anything already opened is released if a later step fails.
func NewWithIngest(ctx context.Context, cfg *config.Config, newIngest IngestFactory) (svc *Service, err error) {
	s := &Service{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		queue:    queue.New[telemetry.Raw](cfg.Pipeline.QueueCapacity),
		done:     make(chan struct{}),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.registry)

	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.ingest, err = newIngest(cfg.MQTT, s.queue, s.metrics)
	if err != nil {
		return nil, err
	}
	if err = s.ingest.Start(); err != nil {
		return nil, err
	}

	s.model, err = inference.LoadScriptModel(cfg.Model.ScriptPath, cfg.Model.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	validators, err := validator.FromConfig(cfg.Validation.Ranges)
	if err != nil {
		return nil, fmt.Errorf("invalid validation rules: %w", err)
	}

	flusher, err := s.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	s.processor = processor.New(s.queue, s.model, flusher, processor.Config{
		Threshold:         cfg.Pipeline.BatchSize,
		PollInterval:      cfg.Pipeline.PollInterval,
		FlushRetries:      cfg.Pipeline.FlushRetries,
		FlushRetryBackoff: cfg.Pipeline.FlushRetryBackoff,
	}, processor.WithValidators(validators), processor.WithMetrics(s.metrics))

	if cfg.Metrics.Enabled {
		s.metricsServer = metrics.Serve(cfg.Metrics.Listen, s.registry)
	}
	return s, nil
}

func (s *Service) openStorage(ctx context.Context) (*storage.Flusher, error) {
	var err error
	s.local, err = storage.NewCSVFile(s.cfg.Storage.File.Path)
	if err != nil {
		return nil, &storage.PersistenceError{Stage: storage.StageLocal, Err: err}
	}
	opts := []storage.FlusherOption{storage.WithMetrics(s.metrics)}

	if obj := s.cfg.Storage.Object; obj.Enabled {
		store, err := storage.NewMinioStore(ctx, obj)
		if err != nil {
			return nil, &storage.PersistenceError{Stage: storage.StageRemote, Err: err}
		}
		opts = append(opts, storage.WithObjectStore(store, obj.UploadTimeout))
	}

	s.mirrors = storage.NewManager()
	if db := s.cfg.Storage.Database; db.Enabled {
		backend, err := storage.NewDatabaseStorage(ctx, db.Type, db.DSN)
		if err != nil {
			return nil, &storage.PersistenceError{Stage: storage.StageMirror, Err: err}
		}
		s.mirrors.AddBackend(backend)
		logger.Info("mirroring batches to %s", backend.Name())
	}
	opts = append(opts, storage.WithMirrors(s.mirrors))

	logger.Info("writing predictions to %s", s.local.Path())
	return storage.NewFlusher(s.local, opts...), nil
}

// Start runs the batch processor in the background
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		s.runErr = s.processor.Run(ctx)
		if s.runErr != nil {
			logger.Error("batch processor stopped: %v", s.runErr)
		}
	}()
	logger.Info("risk-stream started, waiting for device telemetry on %s", s.cfg.MQTT.Topic)
}

// Done is closed when the processor has returned
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Stop unsubscribes and closes the queue, waits for the processor to drain
// and flush the partial batch, then releases everything that New opened.
// It returns the processor error, if any. Start must have been called.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		logger.Info("stopping risk-stream...")
		s.ingest.StopAccepting()
		s.queue.Close()

		select {
		case <-s.done:
			err = s.runErr
		case <-ctx.Done():
			err = fmt.Errorf("processor did not drain in time: %w", ctx.Err())
		}

		s.release()
		if shutdownErr := s.metricsServer.Shutdown(ctx); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
		logger.Info("risk-stream stopped")
	})
	return err
}

func (s *Service) release() {
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			logger.Error("failed to close %s: %v", s.local.Path(), err)
		}
	}
	if s.mirrors != nil {
		s.mirrors.Close()
	}
	if s.ingest != nil {
		s.ingest.Disconnect()
	}
}

// Reload applies the settings that can change at runtime
func (s *Service) Reload(cfg *config.Config) error {
	if err := logger.SetLevel(cfg.Logger.Level); err != nil {
		return err
	}
	logger.Info("log level set to %s", cfg.Logger.Level)

	if cfg.MQTT != s.cfg.MQTT || cfg.Pipeline != s.cfg.Pipeline || cfg.Model != s.cfg.Model || cfg.Storage != s.cfg.Storage {
		logger.Warn("broker, pipeline, model and storage changes take effect after restart")
	}
	return nil
}

// Processed reports how many batches have been persisted
func (s *Service) Processed() int64 {
	return s.processor.Flushes()
}
