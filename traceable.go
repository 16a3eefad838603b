package langsmith

import (
	"context"
	"iter"
	"time"

	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/langchain-ai/langsmith-sdk-go/internal/otelbridge"
)

// TraceConfig is the per-call configuration accepted by every Traceable*
// constructor (spec §4.7). Name is required; everything else has a
// sensible zero value.
type TraceConfig struct {
	Name               string
	RunType            RunType
	Tags               []string
	Extra              map[string]any
	ProjectName        string
	ReferenceExampleID string
	Replicas           []Replica
	Client             *Client
	// WithOTEL, when true, also emits an OpenTelemetry span mirroring the
	// run via internal/otelbridge's deterministic id mapping (SPEC_FULL §3
	// OTEL interop row).
	WithOTEL bool
}

// streamEvent builds the event recorded for one streamed chunk. Spec §4.7
// item 2 reserves the "new_token" event name for llm-typed runs (testable
// property 4: "the sequence of new_token events equals the sequence of
// yielded chunks in order"); every other run type gets a generic
// "stream_chunk" milestone instead.
func streamEvent(runType RunType, index int, chunk any) Event {
	name := "stream_chunk"
	if runType == RunTypeLLM {
		name = "new_token"
	}
	return Event{Name: name, Kwargs: map[string]any{"index": index, "chunk": chunk}}
}

// errgroupKey carries the child-promise fence (SPEC_FULL §3 errgroup
// row): an errgroup a traced function's body can register
// fire-and-forget child work on via Go, so the parent run won't settle
// its outputs until every such registered child has completed.
type errgroupKey struct{}

// Go registers f as a child task of the traceable call active in ctx,
// using the ambient errgroup.Group installed by the nearest enclosing
// Traceable* wrapper. If ctx carries no group (e.g. Go was called outside
// any traced function), f just runs synchronously in the caller's
// goroutine — never silently dropped.
func Go(ctx context.Context, f func(context.Context) error) {
	g, ok := ctx.Value(errgroupKey{}).(*errgroup.Group)
	if !ok {
		_ = f(ctx)
		return
	}
	g.Go(func() error { return f(ctx) })
}

// The Trace* constructors below implement the five ReturnShape branches
// from spec §9 as distinct generic constructors rather than a single
// reflective entry point: the caller picks the constructor matching their
// function's actual shape, which is the classification decision spec §9
// asks to make once rather than per call.

// TraceFunc wraps a plain (ctx, I) -> (O, error) function: ReturnShape
// "Promise"/"Plain" (spec §9).
func TraceFunc[I, O any](cfg TraceConfig, fn func(context.Context, I) (O, error)) func(context.Context, I) (O, error) {
	return func(ctx context.Context, in I) (O, error) {
		client := resolveClient(cfg.Client)
		if client != nil && !client.cfg.TracingEnabled {
			return fn(ctx, in)
		}
		childCtx, h := startTrace(ctx, cfg, client, in)
		out, err := fn(childCtx, in)
		if err != nil {
			// Fail fast on the error path: do not wait on the child-promise
			// fence (spec §4.7 item 5, §5 "the child-promise fence...On
			// parent error this fence is skipped").
			endTrace(h, client, cfg, nil, err)
			return out, err
		}
		waitErr := h.g.Wait()
		if waitErr != nil {
			err = waitErr
		}
		endTrace(h, client, cfg, toOutputMap(out), err)
		return out, err
	}
}

// TraceIterFunc wraps a (ctx, I) -> iter.Seq[O] generator: ReturnShape
// "SyncIter"/"AsyncIter" modeled as a range-over-func iterator (spec §9).
// Each yielded value is recorded as a "new_token"-style event; the run
// ends once the sequence is exhausted or the consumer stops ranging
// early.
func TraceIterFunc[I, O any](cfg TraceConfig, fn func(context.Context, I) iter.Seq[O]) func(context.Context, I) iter.Seq[O] {
	return func(ctx context.Context, in I) iter.Seq[O] {
		client := resolveClient(cfg.Client)
		if client != nil && !client.cfg.TracingEnabled {
			return fn(ctx, in)
		}
		childCtx, h := startTrace(ctx, cfg, client, in)
		inner := fn(childCtx, in)
		return func(yield func(O) bool) {
			var last O
			count := 0
			cont := true
			for v := range inner {
				count++
				last = v
				h.run.AddEvent(streamEvent(cfg.RunType, count, v))
				if !yield(v) {
					cont = false
					break
				}
			}
			var err error
			if !cont {
				// Consumer abandoned the range early (spec §4.7 item 2,
				// "Cancelled"): still aggregate the chunks observed so far.
				err = ErrCancelled
			}
			waitErr := h.g.Wait()
			if err == nil {
				err = waitErr
			}
			outputs := map[string]any{"chunk_count": count}
			if count > 0 {
				outputs["last_chunk"] = last
			}
			endTrace(h, client, cfg, outputs, err)
		}
	}
}

// TraceIter2Func wraps a (ctx, I) -> iter.Seq2[O, error] generator:
// ReturnShape "AsyncIter" with per-item errors, the closest Go idiom to a
// readable stream that can fail mid-stream (spec §9).
func TraceIter2Func[I, O any](cfg TraceConfig, fn func(context.Context, I) iter.Seq2[O, error]) func(context.Context, I) iter.Seq2[O, error] {
	return func(ctx context.Context, in I) iter.Seq2[O, error] {
		client := resolveClient(cfg.Client)
		if client != nil && !client.cfg.TracingEnabled {
			return fn(ctx, in)
		}
		childCtx, h := startTrace(ctx, cfg, client, in)
		inner := fn(childCtx, in)
		return func(yield func(O, error) bool) {
			count := 0
			var streamErr error
			cont := true
			for v, err := range inner {
				if err != nil {
					streamErr = err
					yield(v, err)
					cont = false
					break
				}
				count++
				h.run.AddEvent(streamEvent(cfg.RunType, count, v))
				if !yield(v, nil) {
					cont = false
					break
				}
			}
			if streamErr == nil && !cont {
				streamErr = ErrCancelled
			}
			waitErr := h.g.Wait()
			if streamErr == nil {
				streamErr = waitErr
			}
			endTrace(h, client, cfg, map[string]any{"chunk_count": count}, streamErr)
		}
	}
}

// TraceChanFunc wraps a (ctx, I) -> <-chan O producer goroutine:
// ReturnShape "ReadableStream" (spec §9). The returned channel is closed
// once the inner channel closes or ctx is cancelled; the run ends at that
// point.
func TraceChanFunc[I, O any](cfg TraceConfig, fn func(context.Context, I) <-chan O) func(context.Context, I) <-chan O {
	return func(ctx context.Context, in I) <-chan O {
		client := resolveClient(cfg.Client)
		if client != nil && !client.cfg.TracingEnabled {
			return fn(ctx, in)
		}
		childCtx, h := startTrace(ctx, cfg, client, in)
		inner := fn(childCtx, in)
		out := make(chan O)
		go func() {
			defer close(out)
			count := 0
			for {
				select {
				case v, ok := <-inner:
					if !ok {
						waitErr := h.g.Wait()
						endTrace(h, client, cfg, map[string]any{"chunk_count": count}, waitErr)
						return
					}
					count++
					h.run.AddEvent(streamEvent(cfg.RunType, count, v))
					select {
					case out <- v:
					case <-childCtx.Done():
						_ = h.g.Wait()
						endTrace(h, client, cfg, map[string]any{"chunk_count": count}, ErrCancelled)
						return
					}
				case <-childCtx.Done():
					_ = h.g.Wait()
					endTrace(h, client, cfg, map[string]any{"chunk_count": count}, ErrCancelled)
					return
				}
			}
		}()
		return out
	}
}

// TraceContainerFunc wraps a (ctx, I) -> (O, error) function whose result
// O holds a nested iter.Seq[S] worth tracing token-by-token (e.g. a
// response struct with a `.Stream()` field): ReturnShape
// "ObjectContainingAsyncIter" (spec §9). Unlike the other constructors,
// the traced iterator is returned alongside O rather than grafted back
// into one of O's fields (Go generics have no safe reflective way to do
// that); callers assign the returned iter.Seq[S] to the field extractIter
// reads from before handing O to their own caller. The run stays open
// until the returned sequence is drained, not until fn returns.
func TraceContainerFunc[I, O, S any](cfg TraceConfig, fn func(context.Context, I) (O, error), extractIter func(O) iter.Seq[S], summarize func(O) map[string]any) (func(context.Context, I) (O, error, iter.Seq[S])) {
	return func(ctx context.Context, in I) (O, error, iter.Seq[S]) {
		client := resolveClient(cfg.Client)
		if client != nil && !client.cfg.TracingEnabled {
			out, err := fn(ctx, in)
			return out, err, extractIter(out)
		}
		childCtx, h := startTrace(ctx, cfg, client, in)
		out, err := fn(childCtx, in)
		if err != nil {
			// Fail fast: skip the child-promise fence on the error path
			// (spec §4.7 item 5).
			endTrace(h, client, cfg, nil, err)
			var zero iter.Seq[S]
			return out, err, zero
		}
		nested := extractIter(out)
		if nested == nil {
			waitErr := h.g.Wait()
			endTrace(h, client, cfg, summarize(out), waitErr)
			return out, err, nested
		}
		wrapped := func(yield func(S) bool) {
			count := 0
			cont := true
			for v := range nested {
				count++
				h.run.AddEvent(streamEvent(cfg.RunType, count, v))
				if !yield(v) {
					cont = false
					break
				}
			}
			var streamErr error
			if !cont {
				streamErr = ErrCancelled
			}
			waitErr := h.g.Wait()
			if streamErr == nil {
				streamErr = waitErr
			}
			outputs := summarize(out)
			if outputs == nil {
				outputs = map[string]any{}
			}
			outputs["chunk_count"] = count
			endTrace(h, client, cfg, outputs, streamErr)
		}
		return out, nil, wrapped
	}
}

// traceHandle bundles everything a Traceable* constructor needs to carry
// from startTrace to endTrace: the run itself, the child-promise fence, and
// the optional linked OTEL span (spec §4.7 "OTEL interop").
type traceHandle struct {
	run  *Run
	g    *errgroup.Group
	span trace.Span
}

// startTrace performs the C3→C2→C1 chain on every traced call: find the
// ambient parent (or synthesize a root), mint a child run, capture
// inputs, consult the sampler, and post the create operation. Returns the
// context a nested call should use (carrying both the new active run and
// a fresh child-promise fence).
func startTrace[I any](ctx context.Context, cfg TraceConfig, client *Client, in I) (context.Context, *traceHandle) {
	rcfg := RunConfig{
		Name:               cfg.Name,
		RunType:            cfg.RunType,
		Inputs:             toInputMap(in),
		Extra:              cfg.Extra,
		Tags:               cfg.Tags,
		ReferenceExampleID: cfg.ReferenceExampleID,
		ProjectName:        cfg.ProjectName,
		Replicas:           cfg.Replicas,
		Client:             client,
	}
	childCtx, run := ChildOf(ctx, rcfg)
	if _, hasParent := run.ParentRunID(); !hasParent && client != nil {
		run.SetExtra("environment", client.env)
	}

	g, gctx := errgroup.WithContext(childCtx)
	childCtx = context.WithValue(gctx, errgroupKey{}, g)

	if client != nil && client.sampler.decideRoot(run.TraceID()) {
		run.PostRun()
	} else if client == nil {
		run.PostRun()
	}

	h := &traceHandle{run: run, g: g}
	if cfg.WithOTEL {
		sc := otelbridge.RunIDToOTEL(run.ID().String(), run.TraceID().String())
		var span trace.Span
		childCtx, span = otelbridge.StartLinkedSpan(childCtx, "langsmith", cfg.Name, sc)
		span.SetAttributes(
			attribute.String("gen_ai.operation.name", string(cfg.RunType)),
			attribute.String("langsmith.run.id", run.ID().String()),
			attribute.String("langsmith.trace.id", run.TraceID().String()),
		)
		h.span = span
	}
	return childCtx, h
}

// endTrace settles run's outputs/error and hands an update operation to
// the dispatcher, respecting sampling, and closes out any linked OTEL span.
func endTrace(h *traceHandle, client *Client, cfg TraceConfig, outputs map[string]any, err error) {
	run := h.run
	if err == nil {
		// Usage-metadata extraction (spec §4.7): the child-promise fence
		// above already waited for every registered child before outputs
		// was finalized, so this traversal sees the full aggregate.
		if um, ok := extractUsageMetadata(outputs); ok {
			run.SetMetadata("usage_metadata", um)
		}
	}
	run.End(outputs, err, time.Now())
	if h.span != nil {
		if err != nil {
			h.span.RecordError(err)
		}
		h.span.End()
	}
	if client != nil {
		if _, hasParent := run.ParentRunID(); !hasParent {
			// The root's end releases the trace's sampling decision, whether
			// the trace was kept or dropped.
			defer client.sampler.release(run.TraceID())
		}
		if !client.sampler.included(run.TraceID()) {
			return
		}
	}
	run.PatchRun(true)
}

func resolveClient(explicit *Client) *Client {
	if explicit != nil {
		return explicit
	}
	return defaultClientOrNil()
}

// toInputMap coerces an arbitrary input value into the map[string]any the
// wire format needs, via mitchellh/mapstructure's reverse (struct->map)
// capability through its Decode-based round trip; see coerceToMap in
// coerce.go.
func toInputMap[I any](in I) map[string]any {
	return coerceToMap(in)
}

func toOutputMap[O any](out O) map[string]any {
	return coerceToMap(out)
}
