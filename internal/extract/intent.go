package extract

import "strings"

const intentConfidence = 0.9

// intentTopics is the closed set of intent labels an upstream classifier may
// attach to a record. Unknown labels yield no topics rather than guesses.
var intentTopics = map[string][]string{
	"schedule_meeting": {"scheduling", "work"},
	"book_travel":      {"travel"},
	"track_expense":    {"finance"},
	"set_reminder":     {"scheduling"},
	"find_restaurant":  {"food"},
	"order_item":       {"shopping"},
	"health_checkin":   {"health"},
	"plan_event":       {"scheduling", "entertainment"},
	"home_maintenance": {"home"},
	"ask_question":     {"general"},
}

// ExtractIntent maps a precomputed intent label to its fixed topics. The label
// lookup is case-insensitive. An unknown label returns an empty topic list at
// full confidence: the classifier spoke, it just said nothing we index.
func ExtractIntent(label string) ([]string, float64) {
	if topics, ok := intentTopics[strings.ToLower(strings.TrimSpace(label))]; ok {
		out := make([]string, len(topics))
		copy(out, topics)
		return out, intentConfidence
	}
	return []string{}, intentConfidence
}
