package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Defaults for the batcher. The batch size is the embedding deployment's
// per-call input limit; exceeding it is rejected by the provider.
const (
	// DefaultBatchSize is the maximum number of texts per embedding request.
	DefaultBatchSize = 16

	// DefaultMaxAttempts is the retry ceiling per batch. Exhausting it fails
	// the whole run.
	DefaultMaxAttempts = 20

	// DefaultBackoff is the fixed pause between retries of a failed batch.
	DefaultBackoff = 5 * time.Second

	// DefaultThrottle is the fixed pause between successive batch requests.
	DefaultThrottle = 500 * time.Millisecond
)

// BatcherConfig holds the configuration for a Batcher. Zero values take the
// package defaults.
type BatcherConfig struct {
	// BatchSize is the maximum number of texts per request (≤ the provider limit).
	BatchSize int

	// MaxAttempts is the retry ceiling per batch.
	MaxAttempts int

	// Backoff is the pause between retries of a failed batch.
	Backoff time.Duration

	// Throttle is the pause between successive batches. It applies once per
	// batch, never per attempt. Negative disables throttling.
	Throttle time.Duration

	// Registry receives the batcher's metrics. A private registry is created
	// when nil so callers never pollute the default one.
	Registry *prometheus.Registry

	// Logger receives progress and retry events. Defaults to slog.Default.
	Logger *slog.Logger
}

// batcherMetrics holds the Prometheus instruments owned by the batcher.
// The request-duration histogram doubles as the accumulator for the
// end-of-run summary (mean latency = sum / count).
type batcherMetrics struct {
	// requestDuration records the wall time of each successful embedding request.
	requestDuration prometheus.Histogram

	// retriesTotal counts retried attempts across all batches.
	retriesTotal prometheus.Counter

	// batchesTotal counts batches resolved successfully.
	batchesTotal prometheus.Counter
}

// newBatcherMetrics registers the batcher metrics against reg.
func newBatcherMetrics(reg prometheus.Registerer) *batcherMetrics {
	factory := promauto.With(reg)

	return &batcherMetrics{
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "esground",
			Subsystem: "embed",
			Name:      "request_duration_seconds",
			Help:      "Wall-clock duration of successful embedding requests.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "esground",
			Subsystem: "embed",
			Name:      "retries_total",
			Help:      "Total number of retried embedding attempts.",
		}),
		batchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "esground",
			Subsystem: "embed",
			Name:      "batches_total",
			Help:      "Total number of batches embedded successfully.",
		}),
	}
}

// Batcher drives an Embedder over a full dataset: it partitions the input
// into order-preserving batches, retries transient failures with a fixed
// back-off up to a hard ceiling, throttles between batches, and reports
// summary statistics at the end. A batch that exhausts its retries fails the
// whole operation — no partial results are returned.
type Batcher struct {
	// embedder performs the per-batch embedding requests.
	embedder Embedder

	// cfg holds the resolved batcher configuration.
	cfg *BatcherConfig

	// throttle paces batch dispatch. Waited on once per batch, so retries
	// within a batch are governed by Backoff alone.
	throttle *rate.Limiter

	// metrics accumulates latency and retry counts.
	metrics *batcherMetrics

	// registry is the gatherer the summary is derived from.
	registry *prometheus.Registry

	// log receives progress and retry events.
	log *slog.Logger
}

// NewBatcher constructs a Batcher around the given Embedder.
func NewBatcher(embedder Embedder, cfg *BatcherConfig) (*Batcher, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embed: embedder must not be nil")
	}
	if cfg == nil {
		cfg = &BatcherConfig{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Throttle == 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.Throttle > 0 {
		limit = rate.Every(cfg.Throttle)
	}

	return &Batcher{
		embedder: embedder,
		cfg:      cfg,
		throttle: rate.NewLimiter(limit, 1),
		metrics:  newBatcherMetrics(cfg.Registry),
		registry: cfg.Registry,
		log:      cfg.Logger,
	}, nil
}

// EmbedAll embeds every text, preserving order across batch boundaries:
// the returned slice is parallel to texts. Any batch that cannot be embedded
// within the retry ceiling aborts the whole run with an error naming the
// batch, and no embeddings are returned.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()

	out := make([][]float32, 0, len(texts))
	total := (len(texts) + b.cfg.BatchSize - 1) / b.cfg.BatchSize

	for bi := 0; bi*b.cfg.BatchSize < len(texts); bi++ {
		lo := bi * b.cfg.BatchSize
		hi := min(lo+b.cfg.BatchSize, len(texts))
		batch := texts[lo:hi]

		// One throttle wait per batch. The first wait returns immediately
		// (burst of one); retries inside embedBatch never touch the limiter.
		if err := b.throttle.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed: throttle wait: %w", err)
		}

		vectors, err := b.embedBatch(ctx, bi, batch)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embed: batch %d: expected %d vectors, got %d", bi, len(batch), len(vectors))
		}
		out = append(out, vectors...)

		b.metrics.batchesTotal.Inc()
		b.log.Debug("batch embedded",
			slog.Int("batch", bi+1),
			slog.Int("of", total),
			slog.Int("size", len(batch)),
		)
	}

	b.logSummary(time.Since(start), total)
	return out, nil
}

// embedBatch requests embeddings for one batch, retrying retryable failures
// with a fixed back-off up to the configured ceiling.
func (b *Batcher) embedBatch(ctx context.Context, bi int, batch []string) ([][]float32, error) {
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		reqStart := time.Now()
		vectors, err := b.embedder.Embed(ctx, batch)
		if err == nil {
			b.metrics.requestDuration.Observe(time.Since(reqStart).Seconds())
			return vectors, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, fmt.Errorf("embed: batch %d failed permanently: %w", bi, err)
		}

		b.log.Warn("embedding attempt failed, backing off",
			slog.Int("batch", bi),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", b.cfg.MaxAttempts),
			slog.String("error", err.Error()),
		)

		if attempt < b.cfg.MaxAttempts {
			b.metrics.retriesTotal.Inc()
			if err := sleep(ctx, b.cfg.Backoff); err != nil {
				return nil, fmt.Errorf("embed: batch %d: %w", bi, err)
			}
		}
	}

	return nil, fmt.Errorf("embed: batch %d failed after %d attempts: %w", bi, b.cfg.MaxAttempts, lastErr)
}

// logSummary emits the end-of-run statistics: mean per-request latency
// (derived from the histogram on the private registry) and total wall time.
func (b *Batcher) logSummary(elapsed time.Duration, batches int) {
	attrs := []any{
		slog.Int("batches", batches),
		slog.Duration("total_elapsed", elapsed),
	}
	if mean, ok := b.MeanRequestLatency(); ok {
		attrs = append(attrs, slog.Duration("mean_request_latency", mean))
	}
	b.log.Info("embedding complete", attrs...)
}

// MeanRequestLatency returns the mean latency of successful embedding
// requests so far, gathered from the batcher's registry. ok is false when no
// request has completed yet.
func (b *Batcher) MeanRequestLatency() (time.Duration, bool) {
	families, err := b.registry.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != "esground_embed_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			h := m.GetHistogram()
			if h.GetSampleCount() == 0 {
				return 0, false
			}
			mean := h.GetSampleSum() / float64(h.GetSampleCount())
			return time.Duration(mean * float64(time.Second)), true
		}
	}
	return 0, false
}

// retryable reports whether err is worth retrying. Typed provider errors are
// classified by status; transport-level failures are assumed transient.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// sleep pauses for d, returning early with ctx.Err() on cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
