package langsmith

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mu    sync.Mutex
	sent  [][]runSnapshot
}

func (s *recordingSender) Send(_ context.Context, _ destination, batch []runSnapshot) error {
	s.mu.Lock()
	s.sent = append(s.sent, batch)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) all() []runSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runSnapshot
	for _, b := range s.sent {
		out = append(out, b...)
	}
	return out
}

func TestDispatcherMergesCreateAndUpdateForSameRun(t *testing.T) {
	sender := &recordingSender{}
	cfg := defaultDispatcherConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = 20 * time.Millisecond
	d := newDispatcher(cfg, sender)
	defer d.close()

	id := NewID()
	d.enqueue(Operation{Kind: OpCreate, Run: runSnapshot{ID: id, Inputs: map[string]any{"q": "hi"}}})
	d.enqueue(Operation{Kind: OpUpdate, Run: runSnapshot{ID: id, HasEnded: true, Outputs: map[string]any{"a": "hello"}, ExcludeInputs: true}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.awaitPending(ctx))

	all := sender.all()
	require.Len(t, all, 1, "create+update for the same run id must merge into one send")
	assert.Equal(t, "hi", all[0].Inputs["q"])
	assert.Equal(t, "hello", all[0].Outputs["a"])
	assert.True(t, all[0].HasEnded)
}

func TestDispatcherBatchesBySize(t *testing.T) {
	sender := &recordingSender{}
	cfg := defaultDispatcherConfig()
	cfg.BatchSize = 3
	cfg.BatchTimeout = 5 * time.Second
	d := newDispatcher(cfg, sender)
	defer d.close()

	for i := 0; i < 3; i++ {
		d.enqueue(Operation{Kind: OpCreate, Run: runSnapshot{ID: NewID()}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.awaitPending(ctx))
	assert.Len(t, sender.all(), 3)
}

func TestDispatcherFlushesOnTimeoutBelowBatchSize(t *testing.T) {
	sender := &recordingSender{}
	cfg := defaultDispatcherConfig()
	cfg.BatchSize = 100
	cfg.BatchTimeout = 20 * time.Millisecond
	d := newDispatcher(cfg, sender)
	defer d.close()

	d.enqueue(Operation{Kind: OpCreate, Run: runSnapshot{ID: NewID()}})

	require.Eventually(t, func() bool {
		return len(sender.all()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherSeparatesDestinations(t *testing.T) {
	sender := &recordingSender{}
	cfg := defaultDispatcherConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = 20 * time.Millisecond
	d := newDispatcher(cfg, sender)
	defer d.close()

	d.enqueue(Operation{Kind: OpCreate, Run: runSnapshot{ID: NewID()}, Endpoint: "https://a"})
	d.enqueue(Operation{Kind: OpCreate, Run: runSnapshot{ID: NewID()}, Endpoint: "https://b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.awaitPending(ctx))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2, "distinct destinations must not share a batch")
}

// blockingSender holds every Send call open until release fires, so the
// test can observe how many sends are in flight at once.
type blockingSender struct {
	mu      sync.Mutex
	inFlt   int
	peak    int
	release chan struct{}
}

func (s *blockingSender) Send(_ context.Context, _ destination, _ []runSnapshot) error {
	s.mu.Lock()
	s.inFlt++
	if s.inFlt > s.peak {
		s.peak = s.inFlt
	}
	s.mu.Unlock()

	<-s.release

	s.mu.Lock()
	s.inFlt--
	s.mu.Unlock()
	return nil
}

func TestDispatcherCapsConcurrentSendsAtMaxConcurrency(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	cfg := defaultDispatcherConfig()
	cfg.BatchSize = 1
	cfg.BatchTimeout = 5 * time.Millisecond
	cfg.MaxConcurrency = 2
	d := newDispatcher(cfg, sender)
	defer d.close()

	for i := 0; i < 6; i++ {
		d.enqueue(Operation{Kind: OpCreate, Run: runSnapshot{ID: NewID()}, Endpoint: "https://a"})
	}

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.inFlt == cfg.MaxConcurrency
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(cfg.MaxConcurrency), d.inFlight.Load())
	close(sender.release)

	require.Eventually(t, func() bool { return d.pending.Load() == 0 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.LessOrEqual(t, sender.peak, cfg.MaxConcurrency, "never more than MaxConcurrency sends in flight at once")
}

func TestMergeAppendProducesIdenticalSnapshotToManualMerge(t *testing.T) {
	id := NewID()
	create := Operation{Kind: OpCreate, Run: runSnapshot{ID: id, Inputs: map[string]any{"q": "hi"}, Tags: []string{"t1"}}}
	update := Operation{Kind: OpUpdate, Run: runSnapshot{ID: id, HasEnded: true, Outputs: map[string]any{"a": "hello"}, Extra: map[string]any{"k": "v"}, ExcludeInputs: true}}

	got, folded := mergeAppend([]Operation{create}, update)
	require.Len(t, got, 1)
	assert.True(t, folded, "update for an already-queued create must fold in place")

	want := runSnapshot{
		ID:       id,
		Inputs:   map[string]any{"q": "hi"},
		Outputs:  map[string]any{"a": "hello"},
		Extra:    map[string]any{"k": "v"},
		Tags:     []string{"t1"},
		HasEnded: true,
	}
	if diff := cmp.Diff(want, got[0].Run); diff != "" {
		t.Errorf("merged snapshot mismatch (-want +got):\n%s", diff)
	}
}
