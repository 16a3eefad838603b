package langsmith

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/langchain-ai/langsmith-sdk-go/internal/log"
)

// OpKind distinguishes a run creation from a run update (spec §4.5).
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
)

// runSnapshot is an immutable, point-in-time copy of a Run's fields,
// decoupled from the live Run so the dispatcher never races with
// concurrent mutation (spec §4.5 "the dispatcher only ever sees
// snapshots").
type runSnapshot struct {
	ID                 ID
	TraceID            ID
	ParentRunID        ID
	HasParent          bool
	DottedOrder        DottedOrder
	Name               string
	RunType            RunType
	StartTime          time.Time
	EndTime            time.Time
	HasEnded           bool
	Inputs             map[string]any
	Outputs            map[string]any
	Error              string
	Extra              map[string]any
	Events             []Event
	Tags               []string
	Attachments        map[string]Attachment
	ReferenceExampleID string
	ProjectName        string
	SessionName        string
	// ExcludeInputs marks an update snapshot whose Inputs field should not
	// overwrite a prior create's inputs during merge (spec §4.5 Batching).
	ExcludeInputs bool
}

// Operation is one unit of work submitted to the dispatcher: a pending
// create or update of a run snapshot, optionally destined for a replica
// endpoint distinct from the client's default (spec §4.5 "Send").
type Operation struct {
	Kind        OpKind
	Run         runSnapshot
	Endpoint    string
	APIKey      string
	WorkspaceID string
}

func (op Operation) destKey() string {
	return op.Endpoint + "\x00" + op.APIKey + "\x00" + op.WorkspaceID
}

// sender abstracts the transport a dispatcher flushes batches through.
// httpSender is the production implementation (client.go); tests supply a
// fake that records what it received (internal/testdispatch).
type sender interface {
	Send(ctx context.Context, dest destination, batch []runSnapshot) error
}

type destination struct {
	Endpoint    string
	APIKey      string
	WorkspaceID string
}

// dispatcherConfig mirrors the queue/batching/concurrency knobs of spec §6.
type dispatcherConfig struct {
	BatchSize        int
	BatchTimeout     time.Duration
	MaxConcurrency   int
	QueueHighWater   int
	MaxRetries       uint
	RetryInitialWait time.Duration
	RetryMaxWait     time.Duration
	RateLimitPerSec  float64
}

func defaultDispatcherConfig() dispatcherConfig {
	return dispatcherConfig{
		BatchSize:        100,
		BatchTimeout:     500 * time.Millisecond,
		MaxConcurrency:   4,
		QueueHighWater:   10_000,
		MaxRetries:       5,
		RetryInitialWait: 100 * time.Millisecond,
		RetryMaxWait:     5 * time.Second,
		RateLimitPerSec:  0, // 0 => unlimited
	}
}

// dispatcher implements the asynchronous run pipeline of spec §4.5: a FIFO
// queue drained by a worker loop that batches operations per destination,
// merges same-run create+update pairs, and sends batches through sender
// with bounded concurrency and retry. Modeled on the teacher's tracer
// worker loop (chan-based flush/stop signalling, a single owning
// goroutine mutating buffers, wg for graceful drain).
type dispatcher struct {
	cfg    dispatcherConfig
	sender sender
	limit  *rate.Limiter
	sem    chan struct{} // in-flight-batch concurrency cap (spec §4.5)

	ops   chan Operation
	flush chan chan<- struct{}
	stop  chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	// pending and inFlight are read from tests and awaitPending's poll loop
	// without holding the loop goroutine's lock, hence atomics rather than
	// mutex-guarded ints (teacher's own idiom for dispatcher-style counters).
	pending  atomic.Int64
	inFlight atomic.Int64
}

func newDispatcher(cfg dispatcherConfig, s sender) *dispatcher {
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec))
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	d := &dispatcher{
		cfg:    cfg,
		sender: s,
		limit:  limiter,
		sem:    make(chan struct{}, concurrency),
		ops:    make(chan Operation, cfg.QueueHighWater),
		flush:  make(chan chan<- struct{}),
		stop:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// enqueue submits op, blocking only if the queue is at its high water mark
// (spec §4.5 "Backpressure"). Enqueue after Stop is a no-op logged at
// debug, since run trees finishing after shutdown is an expected race
// during process exit.
func (d *dispatcher) enqueue(op Operation) {
	d.pending.Inc()
	select {
	case d.ops <- op:
	case <-d.stop:
		d.pending.Dec()
		log.Debug("langsmith: dropped op for run %s after dispatcher stop", op.Run.ID)
	}
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	batches := map[string][]Operation{}
	timer := time.NewTimer(d.cfg.BatchTimeout)
	defer timer.Stop()

	flushAll := func() {
		for key, ops := range batches {
			if len(ops) == 0 {
				continue
			}
			d.send(key, ops)
			delete(batches, key)
		}
	}

	for {
		select {
		case op, ok := <-d.ops:
			if !ok {
				flushAll()
				return
			}
			key := op.destKey()
			var folded bool
			batches[key], folded = mergeAppend(batches[key], op)
			if folded {
				// op was folded into an already-queued create rather than
				// occupying a slot of its own; send will only decrement
				// pending once for the merged slot, so release op's own
				// credit here (spec §4.5 batching merge rule).
				d.pending.Dec()
			}
			if len(batches[key]) >= d.cfg.BatchSize {
				d.send(key, batches[key])
				delete(batches, key)
			}
		case <-timer.C:
			flushAll()
			timer.Reset(d.cfg.BatchTimeout)
		case ack := <-d.flush:
			flushAll()
			close(ack)
		case <-d.stop:
			// Drain whatever is already queued before exiting, per
			// spec §4.5 "Stop drains pending work"; new sends on a
			// closed stop channel are rejected by enqueue above.
			for {
				select {
				case op := <-d.ops:
					key := op.destKey()
					var folded bool
					batches[key], folded = mergeAppend(batches[key], op)
					if folded {
						d.pending.Dec()
					}
				default:
					flushAll()
					return
				}
			}
		}
	}
}

// mergeAppend applies the create-before-update merge rule: if ops already
// holds a pending create for the same run id, an update for that id is
// folded into the create snapshot in place rather than appended as a
// second operation, guaranteeing the remote never observes an update
// before its create (spec §4.5). Folding an op in place collapses two
// enqueue'd operations into the one slot the eventual send will count, so
// the caller must release the folded-away op's pending credit itself
// (see loop's call site) — mergeAppend never changes len(ops) by more
// than the one genuinely-new op it appends in the non-merge case.
func mergeAppend(ops []Operation, next Operation) ([]Operation, bool) {
	if next.Kind == OpUpdate {
		for i := range ops {
			if ops[i].Run.ID == next.Run.ID {
				merged := ops[i].Run
				merged.EndTime = next.Run.EndTime
				merged.HasEnded = next.Run.HasEnded
				merged.Error = next.Run.Error
				if !next.Run.ExcludeInputs {
					merged.Inputs = next.Run.Inputs
				}
				if next.Run.Outputs != nil {
					merged.Outputs = next.Run.Outputs
				}
				merged.Events = next.Run.Events
				merged.Extra = next.Run.Extra
				merged.Attachments = next.Run.Attachments
				ops[i].Run = merged
				return ops, true
			}
		}
	}
	return append(ops, next), false
}

func (d *dispatcher) send(key string, ops []Operation) {
	_ = key
	snaps := make([]runSnapshot, len(ops))
	for i, op := range ops {
		snaps[i] = op.Run
	}
	dest := destination{Endpoint: ops[0].Endpoint, APIKey: ops[0].APIKey, WorkspaceID: ops[0].WorkspaceID}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.pending.Sub(int64(len(ops)))

		// Block on the concurrency-cap semaphore here, not in the loop
		// goroutine, so a destination running at its cap never stalls
		// batching for other destinations (spec §4.5 "enforces... in-flight
		// count is below a concurrency cap").
		d.sem <- struct{}{}
		d.inFlight.Inc()
		defer func() {
			d.inFlight.Dec()
			<-d.sem
		}()

		if d.limit != nil {
			_ = d.limit.Wait(context.Background())
		}
		if err := d.sendWithRetry(dest, snaps); err != nil {
			log.Error("langsmith: giving up sending batch of %d run(s) after retries: %v", len(snaps), err)
		}
	}()
}

func (d *dispatcher) sendWithRetry(dest destination, snaps []runSnapshot) error {
	op := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := d.sender.Send(ctx, dest, snaps)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(d.cfg.MaxRetries+1),
	)
	return err
}

// awaitPending blocks until every operation enqueued before this call was
// handed to sender, or ctx is done first (spec §4.5 "awaitPending", used
// by tests and by Client.Stop).
func (d *dispatcher) awaitPending(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case d.flush <- ack:
	case <-d.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		p := d.pending.Load()
		if p <= 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("langsmith: timed out waiting for %d pending run(s) to send", p)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// close stops the dispatcher's worker loop and waits for in-flight sends
// to finish.
func (d *dispatcher) close() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}
