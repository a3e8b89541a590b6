package classifier

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Boroughs is the fixed location vocabulary.
var Boroughs = []string{
	"Tower Hamlets", "Barking and Dagenham", "Barnet", "Bexley", "Brent", "Bromley", "Camden",
	"Croydon", "Ealing", "Enfield", "Greenwich", "Hackney",
	"Hammersmith and Fulham", "Haringey", "Harrow", "Havering", "Hillingdon",
	"Hounslow", "Islington", "Kensington and Chelsea", "Kingston upon Thames",
	"Lambeth", "Lewisham", "Merton", "Newham", "Redbridge",
	"Richmond upon Thames", "Southwark", "Sutton",
	"Waltham Forest", "Wandsworth", "Westminster",
}

// Topics is the fixed topic vocabulary. TopicOther doubles as the fallback.
var Topics = []string{"Environment", "Urbanization", "Economy", "Society", TopicOther}

const (
	TopicOther     = "Other"
	DefaultBorough = "Westminster"
)

const systemPrompt = "You are a precise news analyzer. Always respond in the exact format requested with clean, parseable values."

// keeps prompts bounded for very long article bodies
const maxDescriptionRunes = 6000

var (
	boroughIndex = index(Boroughs)
	topicIndex   = index(Topics)
)

func index(values []string) map[string]string {
	m := make(map[string]string, len(values))
	for _, v := range values {
		m[strings.ToLower(v)] = v
	}
	return m
}

// CanonicalBorough returns the Boroughs spelling of name, matched case-insensitively.
func CanonicalBorough(name string) (string, bool) {
	b, ok := boroughIndex[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

func IsBorough(name string) bool {
	_, ok := CanonicalBorough(name)
	return ok
}

// BuildPrompt renders the user prompt for one article.
func BuildPrompt(title, description string) string {
	description = strings.Join(strings.Fields(description), " ")
	if utf8.RuneCountInString(description) > maxDescriptionRunes {
		runes := []rune(description)
		description = string(runes[:maxDescriptionRunes]) + " [TRUNCATED]"
	}

	return fmt.Sprintf(`Analyze this news article and extract key information. Follow these rules exactly:

1. Location must be one of these London boroughs exactly: %s
2. Sentiment must be a number between -1 and 1 (e.g. -0.8, 0.5), attempt to not give it a 0 sentiment if possible
3. Topic must be exactly one of: %s, attempt to not give it an %s topic if possible
4. Summary must be around 50 words

If no specific borough is mentioned, choose the most likely borough based on context; you MUST pick one.

Article Title: %s
Article Description: %s

Format your response exactly like this, with just the values:
Location: [borough name]
Sentiment: [number]
Topic: [single topic]
Summary: [brief summary]`,
		strings.Join(Boroughs, ", "),
		strings.Join(Topics, ", "),
		TopicOther,
		title,
		description,
	)
}
