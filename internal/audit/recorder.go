// Package audit persists one immutable EvaluationRecord per evaluate() call.
//
// Recording never fails the caller: persistence errors are logged, counted
// and handed to an ErrorReporter. In async mode records are sharded by
// (entity type, entity id, transition) onto single-writer queues so records
// for one entity transition are written in call order.
package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/zephix/governance/internal/core/metrics"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

// Mode selects how records reach storage.
type Mode string

const (
	// ModeSync writes before Record returns.
	ModeSync Mode = "sync"
	// ModeAsync queues the write and returns immediately.
	ModeAsync Mode = "async"
)

// ErrRecorderClosed is reported for records arriving after Close.
var ErrRecorderClosed = errors.New("audit recorder closed")

// Config contains configuration for the recorder.
type Config struct {
	// Mode is sync or async.
	// Default: sync
	Mode Mode

	// Workers is the number of async writer shards.
	// Default: 4
	Workers int

	// Buffer is the queue size per shard.
	// Default: 256
	Buffer int

	// WriteTimeout bounds each storage write and each enqueue attempt.
	// Default: 5 seconds
	WriteTimeout time.Duration

	// StoreSnapshot keeps the canonical input snapshot on the record.
	// Default: true
	StoreSnapshot bool
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:          ModeSync,
		Workers:       4,
		Buffer:        256,
		WriteTimeout:  5 * time.Second,
		StoreSnapshot: true,
	}
}

// ErrorReporter is the operational side channel for lost records.
type ErrorReporter interface {
	ReportAuditFailure(ctx context.Context, rec *types.EvaluationRecord, err error)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(ctx context.Context, rec *types.EvaluationRecord, err error)

func (f ErrorReporterFunc) ReportAuditFailure(ctx context.Context, rec *types.EvaluationRecord, err error) {
	f(ctx, rec, err)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithMetrics counts failures in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithErrorReporter sets the side channel for lost records.
func WithErrorReporter(reporter ErrorReporter) Option {
	return func(r *Recorder) { r.reporter = reporter }
}

// Recorder writes evaluation records to an append-only log.
type Recorder struct {
	log      store.EvaluationLog
	config   *Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	reporter ErrorReporter

	mu     sync.RWMutex // guards closed against concurrent enqueues
	closed bool
	shards []chan *types.EvaluationRecord
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. Async mode starts one writer per shard.
func NewRecorder(log store.EvaluationLog, config *Config, opts ...Option) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Buffer <= 0 {
		config.Buffer = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}

	r := &Recorder{
		log:    log,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "audit.recorder")

	if config.Mode == ModeAsync {
		r.shards = make([]chan *types.EvaluationRecord, config.Workers)
		for i := range r.shards {
			r.shards[i] = make(chan *types.EvaluationRecord, config.Buffer)
			r.wg.Add(1)
			go r.worker(r.shards[i])
		}
	}

	r.logger.Info("audit recorder initialized",
		"mode", config.Mode,
		"workers", config.Workers,
		"buffer", config.Buffer,
		"write_timeout", config.WriteTimeout,
		"store_snapshot", config.StoreSnapshot,
	)
	return r
}

// Record persists rec. It never returns an error; failures go to the log,
// the failure counter and the ErrorReporter. ID and CreatedAt are assigned
// here when unset so queued records keep their call-time timestamp.
func (r *Recorder) Record(ctx context.Context, rec *types.EvaluationRecord) {
	if rec.ID == "" {
		rec.ID = types.NewEvaluationID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if !r.config.StoreSnapshot {
		rec.InputSnapshot = nil
	}

	if r.config.Mode != ModeAsync {
		// The trail outlives a cancelled request.
		r.write(context.WithoutCancel(ctx), rec)
		return
	}
	r.enqueue(ctx, rec)
}

func (r *Recorder) enqueue(ctx context.Context, rec *types.EvaluationRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.fail(ctx, rec, ErrRecorderClosed)
		return
	}

	timer := time.NewTimer(r.config.WriteTimeout)
	defer timer.Stop()

	select {
	case r.shardFor(rec) <- rec:
		r.logger.Debug("evaluation record enqueued",
			"evaluation_id", rec.ID,
			"ordering_key", rec.OrderingKey(),
		)
	case <-timer.C:
		r.fail(ctx, rec, fmt.Errorf("audit queue full after %s", r.config.WriteTimeout))
	}
}

// shardFor keeps every record with the same ordering key on one writer.
func (r *Recorder) shardFor(rec *types.EvaluationRecord) chan *types.EvaluationRecord {
	h := fnv.New32a()
	h.Write([]byte(rec.OrderingKey()))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Recorder) worker(ch <-chan *types.EvaluationRecord) {
	defer r.wg.Done()
	for rec := range ch {
		r.write(context.Background(), rec)
	}
}

func (r *Recorder) write(ctx context.Context, rec *types.EvaluationRecord) {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := r.log.AppendEvaluation(ctx, rec); err != nil {
		r.fail(ctx, rec, err)
		return
	}

	r.logger.Debug("evaluation recorded",
		"evaluation_id", rec.ID,
		"request_id", rec.RequestID,
		"decision", rec.Decision,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (r *Recorder) fail(ctx context.Context, rec *types.EvaluationRecord, err error) {
	if !errors.Is(err, types.ErrAuditPersistence) {
		err = fmt.Errorf("%w: %w", types.ErrAuditPersistence, err)
	}

	r.logger.Error("failed to persist evaluation record",
		"evaluation_id", rec.ID,
		"request_id", rec.RequestID,
		"entity_type", rec.EntityType,
		"entity_id", rec.EntityID,
		"decision", rec.Decision,
		"error", err,
	)
	r.metrics.AuditFailure()
	if r.reporter != nil {
		r.reporter.ReportAuditFailure(context.WithoutCancel(ctx), rec, err)
	}
}

// Close stops accepting records and waits until queued ones are written.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, ch := range r.shards {
		close(ch)
	}
	r.mu.Unlock()

	r.logger.Info("draining audit queue")
	r.wg.Wait()
	r.logger.Info("audit recorder shut down complete")
	return nil
}
