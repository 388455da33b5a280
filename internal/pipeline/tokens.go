package pipeline

import "unicode/utf8"

// estimateTokens approximates the token count of text. Providers bill
// roughly one token per four characters of mixed prose; the estimate only
// feeds the context budget, so precision is not required.
func estimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return n/4 + 1
}
