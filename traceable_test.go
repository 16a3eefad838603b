package langsmith

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchain-ai/langsmith-sdk-go/internal/testdispatch"
)

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addOutput struct {
	Sum int `json:"sum"`
}

func TestTraceFuncHappyPath(t *testing.T) {
	srv := testdispatch.New(t)
	client := newTestClient(t, srv)

	add := TraceFunc(TraceConfig{Name: "add", RunType: RunTypeTool, Client: client}, func(ctx context.Context, in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	})

	out, err := add(context.Background(), addInput{A: 2, B: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, out.Sum)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Flush(ctx))

	ops := srv.WaitForOperations(1, time.Second)
	assert.EqualValues(t, 2, ops[0].Inputs["a"])
	assert.EqualValues(t, 5, ops[0].Outputs["sum"])
}

func TestTraceFuncNestedChildRun(t *testing.T) {
	srv := testdispatch.New(t)
	client := newTestClient(t, srv)

	child := TraceFunc(TraceConfig{Name: "child", RunType: RunTypeTool, Client: client}, func(ctx context.Context, in int) (int, error) {
		return in * 2, nil
	})
	parent := TraceFunc(TraceConfig{Name: "parent", RunType: RunTypeChain, Client: client}, func(ctx context.Context, in int) (int, error) {
		return child(ctx, in)
	})

	out, err := parent(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Flush(ctx))

	ops := srv.WaitForOperations(2, time.Second)
	var parentID, childParentID string
	for _, op := range ops {
		if op.Summary.Name == "parent" {
			parentID = op.Summary.ID
		}
		if op.Summary.Name == "child" {
			childParentID = op.Summary.ParentRunID
		}
	}
	assert.Equal(t, parentID, childParentID, "child run must record parent's run id")
}

func TestTraceFuncPropagatesError(t *testing.T) {
	srv := testdispatch.New(t)
	client := newTestClient(t, srv)

	boom := errors.New("boom")
	failing := TraceFunc(TraceConfig{Name: "failing", Client: client}, func(ctx context.Context, in int) (int, error) {
		return 0, boom
	})

	_, err := failing(context.Background(), 1)
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Flush(ctx))
	ops := srv.WaitForOperations(1, time.Second)
	assert.Equal(t, "boom", ops[0].Summary.Error)
}

func TestTraceIterFuncCountsChunks(t *testing.T) {
	srv := testdispatch.New(t)
	client := newTestClient(t, srv)

	chunks := []string{"a", "b", "c", "d"}
	stream := TraceIterFunc(TraceConfig{Name: "stream", RunType: RunTypeLLM, Client: client}, func(ctx context.Context, in int) iter.Seq[string] {
		return func(yield func(string) bool) {
			for _, c := range chunks[:in] {
				if !yield(c) {
					return
				}
			}
		}
	})

	var got []string
	for v := range stream(context.Background(), 4) {
		got = append(got, v)
	}
	assert.Equal(t, chunks, got)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Flush(ctx))
	ops := srv.WaitForOperations(1, time.Second)
	assert.EqualValues(t, 4, ops[0].Outputs["chunk_count"])

	// Testable property 4: for a llm-typed run, the sequence of new_token
	// events must equal the sequence of yielded chunks in order.
	require.Len(t, ops[0].Events, len(chunks))
	var gotFromEvents []string
	for i, e := range ops[0].Events {
		assert.Equal(t, "new_token", e.Name)
		gotFromEvents = append(gotFromEvents, e.Kwargs["chunk"].(string))
		assert.EqualValues(t, i+1, e.Kwargs["index"])
	}
	assert.Equal(t, chunks, gotFromEvents)
}

func TestTraceIterFuncEarlyStopStillEndsRun(t *testing.T) {
	srv := testdispatch.New(t)
	client := newTestClient(t, srv)

	stream := TraceIterFunc(TraceConfig{Name: "stream", Client: client}, func(ctx context.Context, in int) iter.Seq[string] {
		return func(yield func(string) bool) {
			for i := 0; i < 100; i++ {
				if !yield("tok") {
					return
				}
			}
		}
	})

	count := 0
	for range stream(context.Background(), 0) {
		count++
		if count == 2 {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Flush(ctx))
	ops := srv.WaitForOperations(1, time.Second)
	assert.EqualValues(t, 2, ops[0].Outputs["chunk_count"], "breaking out of range early must still settle the run with the chunks seen so far")
}

func TestGoRegistersChildPromiseFence(t *testing.T) {
	srv := testdispatch.New(t)
	client := newTestClient(t, srv)

	var secondaryDone bool
	traced := TraceFunc(TraceConfig{Name: "fanout", Client: client}, func(ctx context.Context, in int) (int, error) {
		Go(ctx, func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			secondaryDone = true
			return nil
		})
		return in, nil
	})

	_, err := traced(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, secondaryDone, "TraceFunc must wait for Go-registered children before returning")
}

func TestTracingDisabledActsAsIdentity(t *testing.T) {
	srv := testdispatch.New(t)
	client := newTestClient(t, srv, WithTracingEnabled(false))

	add := TraceFunc(TraceConfig{Name: "add", Client: client}, func(ctx context.Context, in int) (int, error) {
		return in + 1, nil
	})
	out, err := add(context.Background(), 41)
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = client.Flush(ctx)
	assert.Empty(t, srv.Operations())
}
