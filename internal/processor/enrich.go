package processor

import (
	"regexp"
	"sort"
	"strings"
)

// Enrichment is the derived metadata attached to a canonical listing.
type Enrichment struct {
	QualityScore       float64
	Keywords           []string
	SuggestedCategory  string
	CategoryConfidence float64
	SpamScore          float64
}

// categoryOrder fixes iteration order so suggestion ties resolve the
// same way on every run.
var categoryOrder = []string{
	"furniture", "electronics", "vehicles", "clothing",
	"jewelry", "toys", "tools", "appliances",
}

var categoryPatterns = map[string]*regexp.Regexp{
	"furniture":   regexp.MustCompile(`(?i)(sofa|chair|table|desk|drawers|cabinet|bed|mattress|couch|furniture)`),
	"electronics": regexp.MustCompile(`(?i)(phone|laptop|computer|tv|television|headphone|camera|console|gaming|electronic)`),
	"vehicles":    regexp.MustCompile(`(?i)(car|truck|van|suv|bike|motorcycle|scooter|vehicle)`),
	"clothing":    regexp.MustCompile(`(?i)(shirt|pants|dress|jacket|coat|shoes|boots|clothing|wear|apparel)`),
	"jewelry":     regexp.MustCompile(`(?i)(ring|necklace|bracelet|earring|gold|silver|diamond|jewelry)`),
	"toys":        regexp.MustCompile(`(?i)(toy|game|puzzle|lego|doll|figure|kids|children)`),
	"tools":       regexp.MustCompile(`(?i)(tool|drill|saw|hammer|screwdriver|workbench|equipment)`),
	"appliances":  regexp.MustCompile(`(?i)(refrigerator|fridge|washer|dryer|stove|oven|microwave|dishwasher|appliance)`),
}

// categoryVocabulary is the controlled keyword vocabulary per category.
var categoryVocabulary = map[string][]string{
	"furniture":   {"wood", "leather", "fabric", "sofa", "chair", "table", "bed", "desk", "shelf"},
	"electronics": {"screen", "inch", "gb", "tb", "memory", "processor", "camera", "battery"},
	"vehicles":    {"mileage", "miles", "gas", "electric", "transmission", "engine", "year"},
	"clothing":    {"size", "small", "medium", "large", "xl", "cotton", "leather", "wool"},
}

// vocabularyPatterns holds a word-boundary matcher per vocabulary
// term, compiled once.
var vocabularyPatterns = func() map[string]*regexp.Regexp {
	patterns := map[string]*regexp.Regexp{}
	for _, terms := range categoryVocabulary {
		for _, term := range terms {
			if _, ok := patterns[term]; !ok {
				patterns[term] = regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `\b`)
			}
		}
	}
	return patterns
}()

var (
	spamPattern    = regexp.MustCompile(`(?i)(wholesale|drop.?ship|msg.?me|text.?me|contact.?me|whatsapp|telegram|not.?available|click.?link|click.?here|dm.?me|direct.?message|\$\$\$)`)
	symbolPattern  = regexp.MustCompile(`[!$*+#]`)
	capsPattern    = regexp.MustCompile(`\b[A-Z]{4,}\b`)
	wordPattern    = regexp.MustCompile(`\b[a-z]{4,}\b`)
	anyWordPattern = regexp.MustCompile(`\b\w+\b`)
)

const maxKeywords = 15

// Analyze derives enrichment from a listing's text fields. It is pure
// and deterministic: the same inputs always produce the same scores,
// which is what makes reprocessing idempotent.
func Analyze(title, description string, price *float64, category string) Enrichment {
	text := strings.ToLower(title + " " + description)

	quality := qualityScore(title, description, price)
	spam := spamScore(title, text)
	suggested, confidence := suggestCategory(text)

	// Spam lowers quality but never drops the listing outright.
	quality *= 1 - 0.5*spam

	return Enrichment{
		QualityScore:       quality,
		Keywords:           extractKeywords(text, category),
		SuggestedCategory:  suggested,
		CategoryConfidence: confidence,
		SpamScore:          spam,
	}
}

// qualityScore grades completeness: title length (20-80 ideal),
// description length (50-1000 ideal), and price presence, averaged.
func qualityScore(title, description string, price *float64) float64 {
	var score float64

	switch titleLen := len(title); {
	case titleLen < 10:
		score += 0.2
	case titleLen < 20:
		score += 0.5
	case titleLen <= 80:
		score += 1.0
	default:
		score += 0.7
	}

	switch descLen := len(description); {
	case descLen < 20:
		score += 0.1
	case descLen < 50:
		score += 0.3
	case descLen <= 1000:
		score += 1.0
	default:
		score += 0.6
	}

	if price != nil {
		score += 1.0
	}

	return score / 3.0
}

// extractKeywords collects controlled-vocabulary hits for the declared
// category plus the most frequent general words, capped at maxKeywords.
func extractKeywords(text, category string) []string {
	var keywords []string
	seen := map[string]bool{}

	for _, term := range categoryVocabulary[strings.ToLower(category)] {
		if vocabularyPatterns[term].MatchString(text) {
			keywords = append(keywords, term)
			seen[term] = true
		}
	}

	counts := map[string]int{}
	for _, word := range wordPattern.FindAllString(text, -1) {
		counts[word]++
	}

	general := make([]string, 0, len(counts))
	for word := range counts {
		general = append(general, word)
	}
	sort.Slice(general, func(i, j int) bool {
		if counts[general[i]] != counts[general[j]] {
			return counts[general[i]] > counts[general[j]]
		}
		return general[i] < general[j]
	})
	if len(general) > 10 {
		general = general[:10]
	}

	for _, word := range general {
		if !seen[word] {
			keywords = append(keywords, word)
			seen[word] = true
		}
	}

	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

// suggestCategory scores each known category by pattern hits over the
// combined text; confidence saturates at three hits.
func suggestCategory(text string) (string, float64) {
	var (
		best     string
		bestHits int
	)
	for _, category := range categoryOrder {
		hits := len(categoryPatterns[category].FindAllString(text, -1))
		if hits > bestHits {
			best, bestHits = category, hits
		}
	}

	if bestHits == 0 {
		return "", 0
	}

	confidence := float64(bestHits) / 3.0
	if confidence > 1 {
		confidence = 1
	}
	return best, confidence
}

// spamScore combines keyword hits with structural indicators: symbol
// density, shouting in the title, and near-repeated phrases.
func spamScore(title, text string) float64 {
	score := float64(len(spamPattern.FindAllString(text, -1))) * 0.3

	if len(symbolPattern.FindAllString(text, -1)) > 5 {
		score += 0.2
	}
	if capsPattern.MatchString(title) {
		score += 0.2
	}
	if repeatedPhrases(text) > 2 {
		score += 0.3
	}

	if score > 1 {
		score = 1
	}
	return score
}

// repeatedPhrases counts words that reappear within a six-word window,
// a cheap stand-in for copy-pasted filler text.
func repeatedPhrases(text string) int {
	words := anyWordPattern.FindAllString(text, -1)

	count := 0
	for i, word := range words {
		limit := i + 7
		if limit > len(words) {
			limit = len(words)
		}
		for j := i + 1; j < limit; j++ {
			if words[j] == word {
				count++
				break
			}
		}
	}
	return count
}
