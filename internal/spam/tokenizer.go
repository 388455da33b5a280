package spam

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// Stemmer optionally normalizes a token for a chat's locale.
type Stemmer func(token, locale string) string

// Tokenizer turns message text into classifier tokens: lowercase, URLs
// reduced to their domain, unicode word splitting, short tokens dropped.
type Tokenizer struct {
	MinTokenLen int
	Stem        Stemmer
	Locale      string
}

// Tokenize returns the token stream for text, duplicates preserved in
// order. Empty input yields an empty slice.
func (t *Tokenizer) Tokenize(text string) []string {
	minLen := t.MinTokenLen
	if minLen <= 0 {
		minLen = 3
	}

	var tokens []string
	text = strings.ToLower(text)

	// Pull URLs out first so the word splitter does not shred them; a link
	// is represented by its domain only.
	text = urlPattern.ReplaceAllStringFunc(text, func(raw string) string {
		if d := domainOf(raw); d != "" {
			tokens = append(tokens, d)
		}
		return " "
	})

	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(tok)) < minLen {
			continue
		}
		if t.Stem != nil {
			tok = t.Stem(tok, t.Locale)
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// Counts folds a token stream into per-token occurrence counts.
func Counts(tokens []string) map[string]int64 {
	m := make(map[string]int64, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

func domainOf(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(strings.TrimRight(raw, ".,;:!?)"))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	return host
}
