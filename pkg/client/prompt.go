package client

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/paddy-inspector/pkg/labels"
)

// Answer is the JSON object vision LLM backends are asked to return
type Answer struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// BuildPrompt asks a vision model to pick exactly one class from the label set.
func BuildPrompt(set *labels.LabelSet) string {
	var sb strings.Builder
	sb.WriteString("You are an agronomist inspecting a photo of a paddy (rice) field or leaf.\n")
	sb.WriteString("Classify the image into exactly one of these classes:\n")
	for _, name := range set.Names() {
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	sb.WriteString("\nRespond with ONLY a JSON object, no prose and no code fences:\n")
	sb.WriteString(`{"label": "<one class from the list>", "confidence": <number between 0 and 1>}`)
	sb.WriteString("\nIf the image does not show a rice crop, still pick the closest class and use a low confidence.")
	return sb.String()
}

// ParseAnswer maps a model reply onto the label set. A label that is not part
// of the set yields index -1 so the caller can report it as unknown.
func ParseAnswer(raw string, set *labels.LabelSet) (int, float64, error) {
	cleaned := SanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return 0, 0, fmt.Errorf("model returned non-JSON response: %q", truncate(raw, 120))
	}

	var answer Answer
	if err := json.Unmarshal([]byte(cleaned), &answer); err != nil {
		return 0, 0, fmt.Errorf("failed to parse model response: %v", err)
	}

	conf := answer.Confidence
	// Some models answer in percent.
	if conf > 1 && conf <= 100 {
		conf /= 100
	}
	if conf < 0 || conf > 1 {
		return 0, 0, fmt.Errorf("model confidence out of range: %v", answer.Confidence)
	}

	return set.Index(answer.Label), conf, nil
}

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInlineComment = regexp.MustCompile(`(?m)//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// SanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reInlineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
