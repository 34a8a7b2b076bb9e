package inference

// Candidate field names, in preference order. Upstream shape changes are edited here only.
var (
	replyFields = []string{"response", "output_text", "result", "text"}
	deltaFields = []string{"response", "delta", "text"}
)

// ExtractReply resolves the assistant text of a complete model result.
func ExtractReply(obj map[string]any) string {
	return firstPresent(obj, replyFields, 0)
}

// ExtractDelta resolves the incremental text of one streamed partial result.
func ExtractDelta(obj map[string]any) string {
	return firstPresent(obj, deltaFields, 0)
}

// firstPresent returns the first non-empty candidate. Nested objects (an envelope such as
// {"result":{"response":...}}) are searched with the same candidates, and OpenAI-style
// choices are consulted last.
func firstPresent(obj map[string]any, fields []string, depth int) string {
	if obj == nil || depth > 3 {
		return ""
	}
	for _, k := range fields {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if s := firstPresent(v, fields, depth+1); s != "" {
				return s
			}
		}
	}
	return fromChoices(obj)
}

func fromChoices(obj map[string]any) string {
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range []string{"delta", "message"} {
		if m, ok := first[k].(map[string]any); ok {
			if s, ok := m["content"].(string); ok && s != "" {
				return s
			}
		}
	}
	if s, ok := first["text"].(string); ok {
		return s
	}
	return ""
}
