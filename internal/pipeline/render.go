package pipeline

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// maxMessageLen is the platform text limit replies are split against.
const maxMessageLen = 4096

// mdv2Special are the characters MarkdownV2 requires escaped outside of
// entities.
const mdv2Special = `_*[]()~` + "`" + `>#+-=|{}.!`

// RenderMarkdown converts model output to the platform Markdown dialect:
// fenced code blocks pass through untouched, inline code preserved, and
// special characters escaped everywhere else.
func RenderMarkdown(text string) string {
	var sb strings.Builder
	sb.Grow(len(text) + len(text)/8)

	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			sb.WriteString(line)
		} else if inFence {
			sb.WriteString(line)
		} else {
			sb.WriteString(escapeLine(line))
		}
		if i < len(lines)-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// escapeLine escapes MarkdownV2 specials outside inline code spans while
// keeping *bold*, _italic_ and [link](url) markers working.
func escapeLine(line string) string {
	var sb strings.Builder
	inCode := false
	var runes = []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '`' {
			inCode = !inCode
			sb.WriteRune(r)
			continue
		}
		if inCode {
			sb.WriteRune(r)
			continue
		}
		switch r {
		case '*', '_':
			// Paired emphasis markers pass through; lone ones are escaped.
			if hasClosing(runes, i+1, r) || wasOpened(runes, i, r) {
				sb.WriteRune(r)
			} else {
				sb.WriteByte('\\')
				sb.WriteRune(r)
			}
		case '[', ']', '(', ')':
			sb.WriteRune(r)
		default:
			if strings.ContainsRune(mdv2Special, r) {
				sb.WriteByte('\\')
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func hasClosing(runes []rune, from int, marker rune) bool {
	for i := from; i < len(runes); i++ {
		if runes[i] == marker {
			return true
		}
	}
	return false
}

func wasOpened(runes []rune, before int, marker rune) bool {
	count := 0
	for i := 0; i < before; i++ {
		if runes[i] == marker {
			count++
		}
	}
	return count%2 == 1
}

// SplitMessage splits long text on safe boundaries: paragraph break,
// then line break, then word break, then a hard cut. Width accounting
// uses display width so CJK text does not overshoot the limit.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxMessageLen
	}
	if runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var parts []string
	rest := text
	for runewidth.StringWidth(rest) > limit {
		head := truncateWidth(rest, limit)
		cut := len(head)
		if idx := strings.LastIndex(head, "\n\n"); idx > limit/4 {
			cut = idx + 2
		} else if idx := strings.LastIndex(head, "\n"); idx > limit/4 {
			cut = idx + 1
		} else if idx := strings.LastIndex(head, " "); idx > limit/4 {
			cut = idx + 1
		}
		parts = append(parts, strings.TrimRight(rest[:cut], " \n"))
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// truncateWidth returns the longest prefix within the display width.
func truncateWidth(s string, width int) string {
	w := 0
	for i, r := range s {
		w += runewidth.RuneWidth(r)
		if w > width {
			return s[:i]
		}
	}
	return s
}
