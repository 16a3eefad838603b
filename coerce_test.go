package langsmith

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type coerceExample struct {
	Question string `json:"question"`
	Count    int    `json:"count"`
}

func TestCoerceToMapPassesThroughMap(t *testing.T) {
	in := map[string]any{"a": 1}
	assert.Equal(t, in, coerceToMap(in))
}

func TestCoerceToMapNilStaysNil(t *testing.T) {
	assert.Nil(t, coerceToMap(nil))
}

func TestCoerceToMapStructUsesJSONTags(t *testing.T) {
	in := coerceExample{Question: "hi", Count: 3}
	out := coerceToMap(in)
	assert.Equal(t, "hi", out["question"])
	assert.EqualValues(t, 3, out["count"])
}

func TestCoerceToMapScalarFallsBackToInputField(t *testing.T) {
	out := coerceToMap("just a string")
	assert.Equal(t, "just a string", out["input"])
}
