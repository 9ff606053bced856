package llm

import "encoding/json"

func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func parseToolArguments(args string) map[string]any {
	if args == "" {
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(args), &out); err != nil {
		return nil
	}
	return out
}

func clampMaxTokens(v int) int {
	if v <= 0 {
		return 4096
	}
	return v
}
