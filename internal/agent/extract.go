package agent

import (
	"encoding/json"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
)

// extractJSON finds the JSON object in a model reply. The last ```json
// fence wins; otherwise the text between the outermost braces is used.
func extractJSON(text string) (string, bool) {
	if start := strings.LastIndex(text, "```json"); start != -1 {
		body := text[start+len("```json"):]
		if end := strings.Index(body, "```"); end != -1 {
			return strings.TrimSpace(body[:end]), true
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// decodeReply decodes the JSON object in a model reply into v.
func decodeReply(text string, v any) error {
	body, ok := extractJSON(text)
	if !ok {
		return domain.NewStageError(domain.ErrorInvalidResponse, "model reply contains no JSON object")
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return domain.NewStageError(domain.ErrorInvalidResponse, "decode model reply: %v", err)
	}
	return nil
}
