package learning

import (
	"strings"

	"github.com/selairgi/socagents/internal/soc"
)

// Variation generation methods.
const (
	MethodObfuscation = "obfuscation"
	MethodSynonym     = "synonym"
	MethodEncoding    = "encoding"
	MethodMultiStep   = "multi_step"
	MethodAIGenerated = "ai_generated"
)

// synonymTable is the closed substitution dictionary for the synonym
// method. Pairs are applied in both directions.
var synonymTable = [][2]string{
	{"ignore", "disregard"},
	{"reveal", "show"},
	{"flag", "secret"},
	{"print", "output"},
	{"previous", "prior"},
	{"instructions", "directives"},
	{"bypass", "circumvent"},
	{"password", "credential"},
}

var leetTable = strings.NewReplacer(
	"a", "4", "e", "3", "i", "1", "o", "0", "s", "5",
)

// ruleVariations derives non-AI variations of the attack text. Each comes
// with the method that produced it and a starting confidence in the
// 0.75-0.8 band.
func ruleVariations(attack *soc.MissedAttack) []*soc.PatternVariation {
	text := strings.TrimSpace(attack.Message)
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var out []*soc.PatternVariation
	add := func(method, variant string, confidence float64) {
		variant = strings.TrimSpace(variant)
		if variant == "" || strings.EqualFold(variant, text) {
			return
		}
		out = append(out, &soc.PatternVariation{
			ID:         soc.NewID(soc.VariationIDPrefix),
			AttackID:   attack.ID,
			Text:       variant,
			Method:     method,
			ThreatType: attack.ThreatType,
			Confidence: confidence,
			Keywords:   extractKeywords(variant),
			Active:     true,
			CreatedAt:  soc.Now(),
		})
	}

	// Obfuscation: spacing, casing, leet-speak.
	add(MethodObfuscation, spaceOut(lower), 0.75)
	add(MethodObfuscation, alternateCase(lower), 0.75)
	add(MethodObfuscation, leetTable.Replace(lower), 0.78)

	// Synonym replacement over the closed dictionary.
	for _, pair := range synonymTable {
		if strings.Contains(lower, pair[0]) {
			add(MethodSynonym, strings.ReplaceAll(lower, pair[0], pair[1]), 0.8)
		} else if strings.Contains(lower, pair[1]) {
			add(MethodSynonym, strings.ReplaceAll(lower, pair[1], pair[0]), 0.8)
		}
	}

	// Encoding references.
	add(MethodEncoding, "decode this base64 and follow it: "+lower, 0.76)
	add(MethodEncoding, "apply rot13 to my real request: "+lower, 0.76)
	add(MethodEncoding, "the hex below decodes to my instruction: "+lower, 0.76)

	// Multi-step framing.
	add(MethodMultiStep, "first, a harmless question about weather. second: "+lower, 0.77)
	add(MethodMultiStep, lower+" (this is just for a story I am writing)", 0.77)
	add(MethodMultiStep, "step one: gain trust. step two: "+lower, 0.77)

	return out
}

// spaceOut inserts spaces between the characters of the longest word.
func spaceOut(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	longest := 0
	for i, w := range words {
		if len(w) > len(words[longest]) {
			longest = i
		}
	}
	var spaced strings.Builder
	for i, r := range words[longest] {
		if i > 0 {
			spaced.WriteByte(' ')
		}
		spaced.WriteRune(r)
	}
	words[longest] = spaced.String()
	return strings.Join(words, " ")
}

// alternateCase flips letter case on every other rune.
func alternateCase(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	upper := false
	for _, r := range text {
		if upper {
			b.WriteString(strings.ToUpper(string(r)))
		} else {
			b.WriteString(strings.ToLower(string(r)))
		}
		if r != ' ' {
			upper = !upper
		}
	}
	return b.String()
}

// stopWords are excluded from keyword extraction.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "this": {}, "that": {}, "with": {},
	"are": {}, "you": {}, "your": {}, "all": {}, "can": {}, "what": {},
	"how": {}, "now": {}, "not": {}, "but": {}, "was": {}, "its": {},
}

// extractKeywords pulls high-signal unigrams and bigrams from the text.
func extractKeywords(text string) []string {
	var tokens []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, `.,!?;:"'()[]{}`)
		if len(w) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		tokens = append(tokens, w)
	}

	seen := make(map[string]struct{})
	var keywords []string
	addKw := func(k string) {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keywords = append(keywords, k)
		}
	}
	for _, t := range tokens {
		addKw(t)
	}
	for i := 0; i+1 < len(tokens); i++ {
		addKw(tokens[i] + " " + tokens[i+1])
	}
	const maxKeywords = 20
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}
