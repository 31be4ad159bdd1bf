package extract

import (
	"strings"
	"unicode"
)

const (
	// MaxTopics caps how many topics one extraction can carry.
	MaxTopics = 5

	// DefaultTopic is assigned when no vocabulary word matches.
	DefaultTopic = "general"

	keywordConfidence  = 0.6
	fallbackConfidence = 0.3
)

// keywordTopics maps trigger words to their topic. Matching is
// case-insensitive and whole-word; each word belongs to exactly one topic.
var keywordTopics = map[string]string{
	// scheduling
	"meeting": "scheduling", "schedule": "scheduling", "calendar": "scheduling",
	"appointment": "scheduling", "reschedule": "scheduling", "reminder": "scheduling",

	// travel
	"flight": "travel", "hotel": "travel", "trip": "travel",
	"airport": "travel", "vacation": "travel", "itinerary": "travel",

	// finance
	"budget": "finance", "invoice": "finance", "payment": "finance",
	"expense": "finance", "bank": "finance", "refund": "finance", "tax": "finance",

	// health
	"doctor": "health", "dentist": "health", "gym": "health",
	"workout": "health", "medication": "health", "therapy": "health",

	// work
	"project": "work", "deadline": "work", "standup": "work",
	"sprint": "work", "launch": "work", "interview": "work",

	// family
	"mom": "family", "dad": "family", "kids": "family",
	"family": "family", "birthday": "family", "anniversary": "family",

	// food
	"dinner": "food", "lunch": "food", "recipe": "food",
	"restaurant": "food", "groceries": "food", "reservation": "food",

	// shopping
	"order": "shopping", "delivery": "shopping", "purchase": "shopping",
	"store": "shopping", "shipping": "shopping",

	// home
	"rent": "home", "lease": "home", "plumber": "home",
	"furniture": "home", "renovation": "home", "apartment": "home",

	// entertainment
	"movie": "entertainment", "concert": "entertainment", "show": "entertainment",
	"tickets": "entertainment", "festival": "entertainment",

	// technology
	"laptop": "technology", "phone": "technology", "software": "technology",
	"server": "technology", "password": "technology", "wifi": "technology",

	// education
	"class": "education", "course": "education", "homework": "education",
	"exam": "education", "tutor": "education", "lecture": "education",

	// pets
	"vet": "pets", "dog": "pets", "cat": "pets", "puppy": "pets", "kitten": "pets",

	// weather
	"rain": "weather", "snow": "weather", "forecast": "weather", "storm": "weather",

	// legal
	"contract": "legal", "lawyer": "legal", "visa": "legal", "insurance": "legal",

	// relationships
	"date": "relationships", "wedding": "relationships", "engagement": "relationships",

	// sports
	"soccer": "sports", "basketball": "sports", "football": "sports",
	"tennis": "sports", "marathon": "sports",
}

// ExtractKeyword scans text against the fixed vocabulary and returns up to
// MaxTopics topics ordered by first occurrence. Empty text or no match yields
// [DefaultTopic] with low confidence.
func ExtractKeyword(text string) ([]string, float64) {
	words := splitWords(text)

	var topics []string
	seen := make(map[string]bool)
	for _, w := range words {
		topic, ok := keywordTopics[w]
		if !ok || seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
		if len(topics) >= MaxTopics {
			break
		}
	}

	if len(topics) == 0 {
		return []string{DefaultTopic}, fallbackConfidence
	}
	return topics, keywordConfidence
}

// KnownTopics returns the set of topics the vocabulary can produce, plus
// DefaultTopic.
func KnownTopics() map[string]bool {
	out := make(map[string]bool, 20)
	for _, topic := range keywordTopics {
		out[topic] = true
	}
	out[DefaultTopic] = true
	return out
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
