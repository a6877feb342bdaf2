package embed

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// scriptedEmbedder is a fake Embedder that records every call and fails the
// first failuresPerBatch attempts of each batch with failErr.
type scriptedEmbedder struct {
	// failuresPerBatch is how many leading attempts of every batch fail.
	failuresPerBatch int
	// failErr is the error returned for failing attempts.
	failErr error
	// calls records the size of each Embed call.
	calls []int
	// callTimes records when each Embed call happened.
	callTimes []time.Time
	// attempts counts attempts per batch key (joined texts).
	attempts map[string]int
}

func newScriptedEmbedder(failuresPerBatch int, failErr error) *scriptedEmbedder {
	return &scriptedEmbedder{
		failuresPerBatch: failuresPerBatch,
		failErr:          failErr,
		attempts:         make(map[string]int),
	}
}

// Embed returns one single-element vector per text, encoding the text's
// numeric suffix so order can be verified end to end.
func (s *scriptedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, len(texts))
	s.callTimes = append(s.callTimes, time.Now())

	key := strings.Join(texts, "|")
	s.attempts[key]++
	if s.attempts[key] <= s.failuresPerBatch {
		return nil, s.failErr
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		var n int
		fmt.Sscanf(t, "text-%d", &n)
		out[i] = []float32{float32(n)}
	}
	return out, nil
}

// texts returns n inputs named text-0 .. text-(n-1).
func testTexts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("text-%d", i)
	}
	return out
}

// fastConfig returns a batcher config with sub-millisecond pauses so retry
// tests run quickly. Throttling is disabled unless a test opts in.
func fastConfig() *BatcherConfig {
	return &BatcherConfig{
		Backoff:  time.Millisecond,
		Throttle: -1,
	}
}

// TestBatcher_PreservesOrderAcrossBatches verifies that embedding i
// corresponds to input text i even when the input spans several batches.
func TestBatcher_PreservesOrderAcrossBatches(t *testing.T) {
	t.Parallel()

	emb := newScriptedEmbedder(0, nil)
	b, err := NewBatcher(emb, fastConfig())
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	texts := testTexts(40)
	vectors, err := b.EmbedAll(t.Context(), texts)
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}

	if len(vectors) != len(texts) {
		t.Fatalf("want %d vectors, got %d", len(texts), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 1 || v[0] != float32(i) {
			t.Errorf("vector %d = %v, want [%d]", i, v, i)
		}
	}
}

// TestBatcher_BatchSizeNeverExceeded verifies the 16-item batch ceiling and
// that the final batch carries the remainder.
func TestBatcher_BatchSizeNeverExceeded(t *testing.T) {
	t.Parallel()

	emb := newScriptedEmbedder(0, nil)
	b, err := NewBatcher(emb, fastConfig())
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	if _, err := b.EmbedAll(t.Context(), testTexts(40)); err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}

	want := []int{16, 16, 8}
	if len(emb.calls) != len(want) {
		t.Fatalf("want %d calls, got %d (%v)", len(want), len(emb.calls), emb.calls)
	}
	for i, size := range emb.calls {
		if size != want[i] {
			t.Errorf("call %d: size %d, want %d", i, size, want[i])
		}
		if size > DefaultBatchSize {
			t.Errorf("call %d: size %d exceeds batch ceiling %d", i, size, DefaultBatchSize)
		}
	}
}

// TestBatcher_RetriesTransientThenSucceeds verifies that a rate-limited
// batch is retried until it succeeds within the ceiling.
func TestBatcher_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	emb := newScriptedEmbedder(2, &APIError{StatusCode: 429, Message: "rate limited"})
	b, err := NewBatcher(emb, fastConfig())
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	vectors, err := b.EmbedAll(t.Context(), testTexts(3))
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("want 3 vectors, got %d", len(vectors))
	}
	// 2 failures + 1 success on the single batch.
	if len(emb.calls) != 3 {
		t.Errorf("want 3 attempts, got %d", len(emb.calls))
	}
}

// TestBatcher_FatalAfterExhaustion verifies that a batch failing on every
// attempt aborts the run with an error naming the batch, and that no
// embeddings are returned.
func TestBatcher_FatalAfterExhaustion(t *testing.T) {
	t.Parallel()

	emb := newScriptedEmbedder(100, &APIError{StatusCode: 503})
	cfg := fastConfig()
	cfg.MaxAttempts = 4
	b, err := NewBatcher(emb, cfg)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	vectors, err := b.EmbedAll(t.Context(), testTexts(3))
	if err == nil {
		t.Fatal("expected error after retry exhaustion, got nil")
	}
	if vectors != nil {
		t.Errorf("expected no vectors on fatal failure, got %d", len(vectors))
	}
	if !strings.Contains(err.Error(), "batch 0") {
		t.Errorf("error should name the failing batch: %v", err)
	}
	if !strings.Contains(err.Error(), "after 4 attempts") {
		t.Errorf("error should name the attempt ceiling: %v", err)
	}
	if len(emb.calls) != 4 {
		t.Errorf("want exactly 4 attempts, got %d", len(emb.calls))
	}
}

// TestBatcher_NoPartialResultsWhenLaterBatchFails verifies that a failure in
// a later batch discards the results of earlier successful batches.
func TestBatcher_NoPartialResultsWhenLaterBatchFails(t *testing.T) {
	t.Parallel()

	// Batch 1 (text-16..) fails forever; batch 0 succeeds first try.
	emb := &secondBatchFailer{}
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	b, err := NewBatcher(emb, cfg)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	vectors, err := b.EmbedAll(t.Context(), testTexts(20))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if vectors != nil {
		t.Errorf("expected no vectors, got %d", len(vectors))
	}
}

// secondBatchFailer succeeds for batches starting at text-0 and fails
// everything else with a server error.
type secondBatchFailer struct{}

func (s *secondBatchFailer) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) > 0 && texts[0] == "text-0" {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{float32(i)}
		}
		return out, nil
	}
	return nil, &APIError{StatusCode: 500}
}

// TestBatcher_PermanentErrorFailsImmediately verifies that a non-retryable
// provider error (e.g. bad credentials) is not retried.
func TestBatcher_PermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	emb := newScriptedEmbedder(100, &APIError{StatusCode: 401, Message: "invalid api key"})
	b, err := NewBatcher(emb, fastConfig())
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	_, err = b.EmbedAll(t.Context(), testTexts(1))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed permanently") {
		t.Errorf("error should mark the failure permanent: %v", err)
	}
	if len(emb.calls) != 1 {
		t.Errorf("permanent error must not be retried: got %d attempts", len(emb.calls))
	}
}

// TestBatcher_ThrottleAppliesPerBatchNotPerAttempt verifies that the
// throttling pause separates batches, while retries within a batch are
// spaced only by the (much shorter) back-off.
func TestBatcher_ThrottleAppliesPerBatchNotPerAttempt(t *testing.T) {
	t.Parallel()

	const throttle = 200 * time.Millisecond

	emb := newScriptedEmbedder(1, &APIError{StatusCode: 429})
	cfg := &BatcherConfig{
		BatchSize: 1,
		Backoff:   time.Millisecond,
		Throttle:  throttle,
	}
	b, err := NewBatcher(emb, cfg)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	if _, err := b.EmbedAll(t.Context(), testTexts(2)); err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}

	// Two batches, two attempts each.
	if len(emb.callTimes) != 4 {
		t.Fatalf("want 4 attempts, got %d", len(emb.callTimes))
	}

	// Retry within batch 0: spaced by back-off only, far below the throttle.
	if gap := emb.callTimes[1].Sub(emb.callTimes[0]); gap >= throttle/2 {
		t.Errorf("retry gap %v suggests the throttle applied per attempt", gap)
	}
	// Batch 1 starts a full throttle interval after batch 0 was dispatched.
	if gap := emb.callTimes[2].Sub(emb.callTimes[0]); gap < throttle-50*time.Millisecond {
		t.Errorf("batch gap %v is shorter than the throttle interval", gap)
	}
}

// TestBatcher_MeanRequestLatencyAvailableAfterRun verifies the summary
// statistic is derivable from the private metrics registry.
func TestBatcher_MeanRequestLatencyAvailableAfterRun(t *testing.T) {
	t.Parallel()

	emb := newScriptedEmbedder(0, nil)
	b, err := NewBatcher(emb, fastConfig())
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	if _, ok := b.MeanRequestLatency(); ok {
		t.Error("mean latency should be unavailable before any request")
	}

	if _, err := b.EmbedAll(t.Context(), testTexts(20)); err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}

	if _, ok := b.MeanRequestLatency(); !ok {
		t.Error("mean latency should be available after a successful run")
	}
}

// TestBatcher_ContextCancellationAbortsBackoff verifies that cancelling the
// context interrupts a back-off wait instead of sleeping it out.
func TestBatcher_ContextCancellationAbortsBackoff(t *testing.T) {
	t.Parallel()

	emb := newScriptedEmbedder(100, &APIError{StatusCode: 500})
	cfg := &BatcherConfig{Backoff: 10 * time.Second, Throttle: -1}
	b, err := NewBatcher(emb, cfg)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = b.EmbedAll(ctx, testTexts(1))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, back-off was not interrupted", elapsed)
	}
}
