package langsmith

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchain-ai/langsmith-sdk-go/internal/testdispatch"
)

func TestNewClientRejectsConflictingReplicas(t *testing.T) {
	_, err := NewClient(
		WithEndpoint("https://example.com"),
		WithProject("default"),
		WithReplicas(Replica{Project: "default"}),
	)
	assert.ErrorIs(t, err, ErrConflictingDestinations)
}

func TestNewClientAcceptsDistinctReplicas(t *testing.T) {
	c, err := NewClient(
		WithEndpoint("https://example.com"),
		WithProject("default"),
		WithReplicas(Replica{Endpoint: "https://other.example.com"}),
	)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.Close(ctx)
}

func TestHTTPSenderSetsHeaders(t *testing.T) {
	srv := testdispatch.New(t)
	c, err := NewClient(
		WithEndpoint(srv.URL()),
		WithAPIKey("sk-test"),
		WithWorkspaceID("ws-1"),
	)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}()

	run := NewRootRun(RunConfig{Name: "r", Client: c})
	run.PostRun()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sk-test", reqs[0].Header.Get("x-api-key"))
	assert.Equal(t, "ws-1", reqs[0].Header.Get("x-tenant-id"))
}

func TestHideInputsOutputs(t *testing.T) {
	srv := testdispatch.New(t)
	c, err := NewClient(WithEndpoint(srv.URL()), WithHideInputs(true), WithHideOutputs(true))
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}()

	run := NewRootRun(RunConfig{Name: "r", Client: c, Inputs: map[string]any{"secret": "x"}})
	run.PostRun()
	run.End(map[string]any{"secret-out": "y"}, nil, time.Time{})
	run.PatchRun(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	ops := srv.Operations()
	require.Len(t, ops, 1, "create+update for the same run merge into one send")
	assert.Empty(t, ops[0].Inputs)
	assert.Empty(t, ops[0].Outputs)
}
