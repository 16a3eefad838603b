package langsmith

import (
	"github.com/mitchellh/mapstructure"

	"github.com/langchain-ai/langsmith-sdk-go/internal/log"
)

// coerceToMap shapes an arbitrary traced function's input or output value
// into the map[string]any the wire format needs, following spec §4.7
// "Input capture": a map[string]any passes through unchanged (the "one arg
// that is a mapping" branch); nil stays nil (meaning "no inputs/outputs",
// distinct from an empty map, the "no args" branch collapsed to the zero
// value since Go's generic wrappers always take exactly one input value).
// A struct is decoded field-by-field via mapstructure's struct->map
// direction (WeaklyTypedInput so numeric/string mismatches coerce instead
// of failing the whole capture) rather than spec's literal `{input: arg}` —
// TraceFunc's single generic parameter already plays the role spec's
// "multiple args" branch gives to a function's named parameters, so
// flattening preserves each field as its own recorded input the way
// `{args: [...]}` would for positional parameters. A genuine primitive
// (no fields to flatten) falls back to spec's `{input: arg}` verbatim.
func coerceToMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	out := map[string]any{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
		TagName:          "json",
	})
	if err != nil {
		log.Warn("langsmith: building input/output decoder: %v", err)
		return map[string]any{"input": v}
	}
	if err := dec.Decode(v); err != nil {
		// Not every O is struct-shaped (e.g. a traced function returning a
		// bare string or int): spec §4.7's "one arg that is a primitive" branch.
		return map[string]any{"input": v}
	}
	return out
}
