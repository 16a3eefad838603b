package langsmith

import "context"

// ctxKey is an unexported type so the ambient-run key can't collide with
// keys set by other packages (spec §4.3: "ambient context").
type ctxKey struct{}

var activeRunKey = ctxKey{}

// ContextWithRun returns a copy of ctx carrying run as the active run
// (spec §4.3). Since Go has no goroutine-local storage, propagation is
// explicit via context.Context value passing rather than the task-local
// storage a single-threaded host language would use; callers that spawn
// goroutines must pass ctx (or a value derived from it) down manually, the
// same way any other context-scoped value is threaded through this
// codebase's dispatcher and HTTP call sites.
func ContextWithRun(ctx context.Context, run *Run) context.Context {
	return context.WithValue(ctx, activeRunKey, run)
}

// RunFromContext returns the active run stored in ctx, if any (spec §4.3
// "get current run").
func RunFromContext(ctx context.Context) (*Run, bool) {
	run, ok := ctx.Value(activeRunKey).(*Run)
	return run, ok
}

// ChildOf is a convenience for the common case of creating a child of
// whatever run is active in ctx, falling back to a root run when ctx
// carries none — e.g. the first traceable call in a request handler (spec
// §4.3, supplemented per SPEC_FULL §4 "ChildOf convenience").
func ChildOf(ctx context.Context, cfg RunConfig) (context.Context, *Run) {
	if parent, ok := RunFromContext(ctx); ok {
		child := parent.CreateChild(cfg)
		return ContextWithRun(ctx, child), child
	}
	root := NewRootRun(cfg)
	return ContextWithRun(ctx, root), root
}
