package matcher

import (
	"regexp"
	"strings"
)

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// ThreadIDs extracts the message ids named by In-Reply-To and References, in
// header order without duplicates and without angle brackets. A header that
// carries no bracketed id is taken as a single bare id.
func ThreadIDs(headers ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range headers {
		for _, id := range parseMessageIDs(raw) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		if id := normalizeMessageID(raw); id != "" && !strings.ContainsAny(id, " \t") {
			return []string{id}
		}
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if id := normalizeMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}
