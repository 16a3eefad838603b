package langsmith

// extractUsageMetadata implements spec §4.7's "Usage-metadata extraction":
// after output capture, traverse outputs for a usage_metadata shape and
// report it so the caller can hoist it into the run's extra.metadata.
// Three shapes are recognized, in the order spec §4.7 lists them:
//
//  1. direct: outputs["usage_metadata"] is itself the usage map.
//  2. nested within a serialized message's kwargs: outputs["message"] (or
//     any other top-level key holding a serialized-message-shaped map)
//     carries {"kwargs": {"usage_metadata": {...}}}.
//  3. spread across a generations[][] grid (an LLMResult-shaped output):
//     outputs["generations"] is a slice of slices of generation maps, each
//     optionally holding its own message with nested usage_metadata; the
//     per-generation counts are summed into one run-level total.
func extractUsageMetadata(outputs map[string]any) (map[string]any, bool) {
	if outputs == nil {
		return nil, false
	}
	if um, ok := asUsageMap(outputs["usage_metadata"]); ok {
		return um, true
	}
	for _, v := range outputs {
		if um, ok := usageFromMessage(v); ok {
			return um, true
		}
	}
	gens, ok := outputs["generations"].([]any)
	if !ok {
		return nil, false
	}
	var merged map[string]any
	found := false
	for _, row := range gens {
		cells, ok := row.([]any)
		if !ok {
			continue
		}
		for _, cell := range cells {
			cellMap, ok := cell.(map[string]any)
			if !ok {
				continue
			}
			if um, ok := usageFromMessage(cellMap["message"]); ok {
				merged = sumUsage(merged, um)
				found = true
				continue
			}
			if um, ok := asUsageMap(cellMap["usage_metadata"]); ok {
				merged = sumUsage(merged, um)
				found = true
			}
		}
	}
	return merged, found
}

// usageFromMessage reports the usage_metadata nested in a serialized
// message's kwargs, the shape LangChain-style messages wire as
// {"kwargs": {..., "usage_metadata": {...}}}.
func usageFromMessage(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	kwargs, ok := m["kwargs"].(map[string]any)
	if !ok {
		return nil, false
	}
	return asUsageMap(kwargs["usage_metadata"])
}

func asUsageMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	return m, true
}

// sumUsage adds next's numeric fields into a copy of acc (nil acc just
// becomes a copy of next), so summing token counts across a generations
// grid doesn't mutate either input map.
func sumUsage(acc, next map[string]any) map[string]any {
	merged := make(map[string]any, len(next))
	for k, v := range acc {
		merged[k] = v
	}
	for k, v := range next {
		if nf, ok := toFloat64(v); ok {
			if af, ok := toFloat64(merged[k]); ok {
				merged[k] = af + nf
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
