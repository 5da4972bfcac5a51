package profile

import (
	"encoding/json"
	"strings"
)

// ParsedProfile is the summary/streams/changes triple extracted from a
// generation reply.
type ParsedProfile struct {
	Summary string   `json:"summary"`
	Streams []string `json:"streams"`
	Changes string   `json:"changes"`
}

// summaryLabels etc. are the recognized field labels for the textual
// fallback parser, lowercase, Russian and English.
var (
	summaryLabels = []string{"summary", "итог", "резюме", "описание"}
	streamLabels  = []string{"streams", "tags", "потоки", "теги", "темы"}
	changeLabels  = []string{"changes", "изменения", "сдвиги"}
)

// ParseResponse extracts a profile from loosely-formatted generation
// output. It first attempts structured JSON (optionally inside a code
// fence), then falls back to a line-oriented "label: value" parser. It
// never panics; the boolean is false when no usable summary was found.
func ParseResponse(text string) (ParsedProfile, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ParsedProfile{}, false
	}

	if parsed, ok := parseJSON(trimmed); ok {
		return parsed, true
	}
	return parseLines(trimmed)
}

func parseJSON(text string) (ParsedProfile, bool) {
	candidate := stripCodeFence(text)

	// Tolerate prose around a JSON object by cutting to the outermost braces.
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return ParsedProfile{}, false
	}

	var parsed ParsedProfile
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &parsed); err != nil {
		return ParsedProfile{}, false
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return ParsedProfile{}, false
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	parsed.Changes = strings.TrimSpace(parsed.Changes)
	parsed.Streams = cleanList(parsed.Streams)
	return parsed, true
}

// parseLines extracts labeled fields line by line. A line matches when it
// starts with a known label followed by a colon; streams accept a
// comma-separated list. Lines without a label are ignored.
func parseLines(text string) (ParsedProfile, bool) {
	var parsed ParsedProfile

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• "))
		if line == "" {
			continue
		}

		label, value, ok := splitLabel(line)
		if !ok {
			continue
		}
		switch {
		case matchesLabel(label, summaryLabels) && parsed.Summary == "":
			parsed.Summary = value
		case matchesLabel(label, streamLabels) && len(parsed.Streams) == 0:
			parsed.Streams = cleanList(strings.Split(value, ","))
		case matchesLabel(label, changeLabels) && parsed.Changes == "":
			parsed.Changes = value
		}
	}

	if parsed.Summary == "" {
		return ParsedProfile{}, false
	}
	return parsed, true
}

func splitLabel(line string) (label, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	label = strings.ToLower(strings.TrimSpace(line[:idx]))
	value = strings.TrimSpace(line[idx+1:])
	if value == "" {
		return "", "", false
	}
	return label, value, true
}

func matchesLabel(label string, known []string) bool {
	for _, k := range known {
		if label == k {
			return true
		}
	}
	return false
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
