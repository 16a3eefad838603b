package langsmith

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextWithRunRoundTrip(t *testing.T) {
	run := NewRootRun(RunConfig{Name: "r"})
	ctx := ContextWithRun(context.Background(), run)
	got, ok := RunFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, run, got)
}

func TestRunFromContextAbsent(t *testing.T) {
	_, ok := RunFromContext(context.Background())
	assert.False(t, ok)
}

func TestChildOfCreatesRootWhenNoneActive(t *testing.T) {
	ctx, run := ChildOf(context.Background(), RunConfig{Name: "root"})
	assert.Equal(t, run.ID(), run.TraceID())
	active, ok := RunFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, run, active)
}

func TestChildOfCreatesChildWhenParentActive(t *testing.T) {
	ctx, root := ChildOf(context.Background(), RunConfig{Name: "root"})
	ctx2, child := ChildOf(ctx, RunConfig{Name: "child"})
	assert.Equal(t, root.ID(), mustParentID(t, child))
	active, ok := RunFromContext(ctx2)
	assert.True(t, ok)
	assert.Equal(t, child, active)
}

func mustParentID(t *testing.T, r *Run) ID {
	t.Helper()
	id, ok := r.ParentRunID()
	if !ok {
		t.Fatalf("expected run %s to have a parent", r.ID())
	}
	return id
}
