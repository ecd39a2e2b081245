package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// stripCodeFences removes a wrapping markdown code fence, with or
// without a language tag, and trims surrounding whitespace.
func stripCodeFences(output string) string {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		firstLine := strings.TrimSpace(trimmed[:newline])
		if firstLine == "" || isFenceTag(firstLine) {
			trimmed = trimmed[newline+1:]
		}
	} else {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
		return trimmed
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func isFenceTag(line string) bool {
	switch strings.ToLower(line) {
	case "json", "sql", "text":
		return true
	}
	return false
}

// stripQueryLabel drops a leading "query:" label some models prepend to
// generated SQL.
func stripQueryLabel(output string) string {
	trimmed := strings.TrimSpace(output)
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "query:") {
		return strings.TrimSpace(trimmed[len("query:"):])
	}
	return trimmed
}

type intentPayload struct {
	Tables   []string `json:"tables"`
	Keywords []string `json:"keywords"`
}

func parseIntent(output string) (intentPayload, error) {
	cleaned := stripCodeFences(output)
	var payload intentPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return intentPayload{}, fmt.Errorf("parse intent response: %w", err)
	}
	if len(payload.Tables) == 0 {
		return intentPayload{}, fmt.Errorf("intent response names no tables")
	}
	return payload, nil
}

func parseColumnMap(output string) (map[string][]string, error) {
	cleaned := stripCodeFences(output)
	var columns map[string][]string
	if err := json.Unmarshal([]byte(cleaned), &columns); err != nil {
		return nil, fmt.Errorf("parse column response: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("column response names no columns")
	}
	return columns, nil
}

func cleanGeneratedSQL(output string) string {
	return stripQueryLabel(stripCodeFences(output))
}
