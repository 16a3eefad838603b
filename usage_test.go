package langsmith

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchain-ai/langsmith-sdk-go/internal/testdispatch"
)

func TestExtractUsageMetadataDirect(t *testing.T) {
	outputs := map[string]any{
		"usage_metadata": map[string]any{"input_tokens": 3, "output_tokens": 5},
	}
	um, ok := extractUsageMetadata(outputs)
	assert.True(t, ok)
	assert.Equal(t, 3, um["input_tokens"])
	assert.Equal(t, 5, um["output_tokens"])
}

func TestExtractUsageMetadataNestedInMessageKwargs(t *testing.T) {
	outputs := map[string]any{
		"message": map[string]any{
			"kwargs": map[string]any{
				"usage_metadata": map[string]any{"input_tokens": 1, "output_tokens": 2},
			},
		},
	}
	um, ok := extractUsageMetadata(outputs)
	assert.True(t, ok)
	assert.Equal(t, 1, um["input_tokens"])
	assert.Equal(t, 2, um["output_tokens"])
}

func TestExtractUsageMetadataSummedAcrossGenerationsGrid(t *testing.T) {
	outputs := map[string]any{
		"generations": []any{
			[]any{
				map[string]any{"message": map[string]any{
					"kwargs": map[string]any{"usage_metadata": map[string]any{"output_tokens": 2}},
				}},
			},
			[]any{
				map[string]any{"message": map[string]any{
					"kwargs": map[string]any{"usage_metadata": map[string]any{"output_tokens": 3}},
				}},
			},
		},
	}
	um, ok := extractUsageMetadata(outputs)
	assert.True(t, ok)
	assert.Equal(t, float64(5), um["output_tokens"])
}

func TestExtractUsageMetadataAbsent(t *testing.T) {
	_, ok := extractUsageMetadata(map[string]any{"answer": "hi"})
	assert.False(t, ok)
	_, ok = extractUsageMetadata(nil)
	assert.False(t, ok)
}

func TestTraceFuncHoistsUsageMetadataIntoExtra(t *testing.T) {
	type llmOut struct {
		Message map[string]any `json:"message"`
	}

	srv := testdispatch.New(t)
	client := newTestClient(t, srv)

	traced := TraceFunc(TraceConfig{Name: "llm", RunType: RunTypeLLM, Client: client}, func(ctx context.Context, in int) (llmOut, error) {
		return llmOut{Message: map[string]any{
			"kwargs": map[string]any{"usage_metadata": map[string]any{"output_tokens": 7}},
		}}, nil
	})

	_, err := traced(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Flush(ctx))

	ops := srv.WaitForOperations(1, time.Second)
	md, _ := ops[0].Summary.Extra["metadata"].(map[string]any)
	require.NotNil(t, md, "run extra.metadata must carry the hoisted usage_metadata")
	usage, _ := md["usage_metadata"].(map[string]any)
	require.NotNil(t, usage)
	assert.EqualValues(t, 7, usage["output_tokens"])
}
