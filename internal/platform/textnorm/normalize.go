// Package textnorm normalizes titles, descriptions and target keywords into a
// canonical matching form. Uploaders evade keyword filters with confusable
// characters ("M0vie", Cyrillic lookalikes), so matching compares normalized
// forms on both sides rather than raw text.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Confusable characters folded into their ASCII lookalikes. Applied uniformly
// to both keywords and titles, so genuine non-Latin text still matches itself.
var confusables = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c',
	'у': 'y', 'х': 'x', 'к': 'k', 'м': 'm', 'т': 't',
	'в': 'b', 'н': 'h', 'і': 'i', 'ѕ': 's',
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't',
	'@': 'a', '$': 's',
}

// Normalize returns the canonical matching form of s: NFKD-decomposed,
// case-folded, combining marks and confusables collapsed, whitespace squeezed.
func Normalize(s string) string {
	s = norm.NFKD.String(s)
	s = stripCombiningMarks(s)
	s = folder.String(s)
	s = foldConfusables(s)

	return squeezeSpaces(s)
}

// Tokens splits s into normalized word tokens.
func Tokens(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ContainsPhrase reports whether the normalized haystack contains the
// normalized phrase as a token-boundary substring.
func ContainsPhrase(haystack, phrase string) bool {
	h := " " + strings.Join(Tokens(haystack), " ") + " "
	p := " " + strings.Join(Tokens(phrase), " ") + " "

	if strings.TrimSpace(p) == "" {
		return false
	}

	return strings.Contains(h, p)
}

func stripCombiningMarks(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		if unicode.Is(unicode.Mn, r) {
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func foldConfusables(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		if repl, ok := confusables[r]; ok {
			r = repl
		}

		b.WriteRune(r)
	}

	return b.String()
}

func squeezeSpaces(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// StripHTML extracts plain text from HTML fragments. Platform descriptions may
// carry markup; scoring and matching operate on text only.
func StripHTML(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}

	var b strings.Builder

	var traverse func(*html.Node)

	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}

		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}

	traverse(doc)

	return squeezeSpaces(b.String())
}
