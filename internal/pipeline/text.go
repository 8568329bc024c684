package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

const (
	summaryMaxSentences = 2
	summaryMaxLen       = 280
	maxMentions         = 12
	maxMentionWords     = 4
)

// placeTriggers are the prepositions and verbs that introduce a place
// mention in travel narration.
var placeTriggers = map[string]struct{}{
	"at":       {},
	"in":       {},
	"near":     {},
	"around":   {},
	"from":     {},
	"to":       {},
	"visit":    {},
	"visiting": {},
	"through":  {},
}

// normalizeLine strips bracketed stage directions and timestamp prefixes
// from one transcript line.
func normalizeLine(line string) string {
	cleaned := strings.Builder{}
	depth := 0
	for _, r := range line {
		switch {
		case r == '[':
			depth++
		case r == ']':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			cleaned.WriteRune(r)
		}
	}
	out := strings.TrimSpace(cleaned.String())
	out = strings.TrimLeft(out, "0123456789:.,-> \t")
	return strings.TrimSpace(out)
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// summarize keeps the leading sentences of the text, bounded in length.
func summarize(text string) string {
	sentences := splitSentences(text)
	if len(sentences) > summaryMaxSentences {
		sentences = sentences[:summaryMaxSentences]
	}
	summary := strings.Join(sentences, " ")
	if len(summary) > summaryMaxLen {
		cut := summary[:summaryMaxLen]
		if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
			cut = cut[:idx]
		}
		summary = cut
	}
	return strings.TrimSpace(summary)
}

// extractMentions pulls candidate place names: runs of capitalized words
// following a place trigger ("in Amsterdam", "near The Hague"). Results are
// deduplicated case-insensitively in order of first appearance.
func extractMentions(text string) []string {
	fold := cases.Fold()
	seen := make(map[string]struct{})
	var mentions []string

	for _, sentence := range splitSentences(text) {
		tokens := strings.Fields(sentence)
		for i := 0; i < len(tokens); i++ {
			word := trimWordPunct(tokens[i])
			if _, ok := placeTriggers[strings.ToLower(word)]; !ok {
				continue
			}

			j := i + 1
			// "in the Hague" keeps its article when a capitalized word follows.
			skippedArticle := false
			if j < len(tokens) && trimWordPunct(tokens[j]) == "the" &&
				j+1 < len(tokens) && isCapitalizedWord(trimWordPunct(tokens[j+1])) {
				j++
				skippedArticle = true
			}

			var parts []string
			for ; j < len(tokens) && len(parts) < maxMentionWords; j++ {
				candidate := trimWordPunct(tokens[j])
				if !isCapitalizedWord(candidate) {
					break
				}
				parts = append(parts, candidate)
				if endsSentencePunct(tokens[j]) {
					j++
					break
				}
			}
			if len(parts) == 0 {
				continue
			}

			name := strings.Join(parts, " ")
			if skippedArticle {
				name = "The " + name
			}
			key := fold.String(name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			mentions = append(mentions, name)
			if len(mentions) >= maxMentions {
				return mentions
			}
			i = j - 1
		}
	}
	return mentions
}

func trimWordPunct(word string) string {
	return strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func isCapitalizedWord(word string) bool {
	if len(word) < 2 {
		return false
	}
	runes := []rune(word)
	return unicode.IsUpper(runes[0])
}

func endsSentencePunct(token string) bool {
	return strings.HasSuffix(token, ",") || strings.HasSuffix(token, ".") ||
		strings.HasSuffix(token, ";") || strings.HasSuffix(token, ":")
}
