package wire_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchain-ai/langsmith-sdk-go/internal/wire"
)

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	end := time.Now().UTC()
	ops := []wire.RunOperation{
		{
			Kind: wire.OpCreate,
			Summary: wire.RunSummary{
				ID:          "11111111-1111-7111-8111-111111111111",
				TraceID:     "11111111-1111-7111-8111-111111111111",
				DottedOrder: "20260101T000000000000Z11111111-1111-7111-8111-111111111111",
				Name:        "root",
				RunType:     "chain",
				StartTime:   end.Add(-time.Second),
				Tags:        []string{"a", "b"},
			},
			Inputs: map[string]any{"question": "hi"},
		},
		{
			Kind: wire.OpUpdate,
			Summary: wire.RunSummary{
				ID:      "11111111-1111-7111-8111-111111111111",
				TraceID: "11111111-1111-7111-8111-111111111111",
				EndTime: &end,
			},
			Outputs: map[string]any{"answer": "hello"},
			Events: []wire.EventJSON{
				{Name: "new_token", Time: end, Kwargs: map[string]any{"token": "he"}},
			},
			Attachments: []wire.Attachment{
				{Name: "trace.png", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
			},
		},
	}

	contentType, body, err := wire.EncodeBatch(ops)
	require.NoError(t, err)
	assert.Contains(t, contentType, "multipart/form-data")

	decoded, err := wire.DecodeBatch(contentType, body)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	assert.Equal(t, wire.OpCreate, decoded[0].Kind)
	assert.Equal(t, "root", decoded[0].Summary.Name)
	assert.Equal(t, "hi", decoded[0].Inputs["question"])

	assert.Equal(t, wire.OpUpdate, decoded[1].Kind)
	assert.Equal(t, "hello", decoded[1].Outputs["answer"])
	require.Len(t, decoded[1].Events, 1)
	assert.Equal(t, "new_token", decoded[1].Events[0].Name)
	require.Len(t, decoded[1].Attachments, 1)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, decoded[1].Attachments[0].Data)
}

func TestEncodeBatchEmptyFieldsOmitSections(t *testing.T) {
	ops := []wire.RunOperation{
		{
			Kind: wire.OpCreate,
			Summary: wire.RunSummary{
				ID:          "22222222-2222-7222-8222-222222222222",
				TraceID:     "22222222-2222-7222-8222-222222222222",
				DottedOrder: "seg",
				Name:        "leaf",
			},
		},
	}
	contentType, body, err := wire.EncodeBatch(ops)
	require.NoError(t, err)
	decoded, err := wire.DecodeBatch(contentType, body)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Nil(t, decoded[0].Inputs)
	assert.Nil(t, decoded[0].Outputs)
	assert.Empty(t, decoded[0].Events)
	assert.Empty(t, decoded[0].Attachments)
}
