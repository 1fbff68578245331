// Package htmlutils provides HTML helpers for Telegram messages.
//
// Telegram measures message length in UTF-16 code units and rejects messages
// with unbalanced HTML tags, so truncation has to count units the way
// Telegram does and close whatever tags the cut leaves open.
package htmlutils

import (
	"regexp"
	"strings"
	"unicode/utf16"
)

const ellipsis = "…"

var tagRegex = regexp.MustCompile(`<(/?)([a-zA-Z0-9-]+)([^>]*)>`)

// UTF16Len returns the number of UTF-16 code units needed to encode the
// string. Characters outside the BMP (emoji, etc.) take a surrogate pair.
func UTF16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// utf16Slice returns the longest prefix of s that fits in maxUnits UTF-16
// code units.
func utf16Slice(s string, maxUnits int) string {
	runes := []rune(s)
	units := 0

	for i, r := range runes {
		runeUnits := 1
		if r > 0xFFFF {
			runeUnits = 2
		}

		if units+runeUnits > maxUnits {
			return string(runes[:i])
		}

		units += runeUnits
	}

	return s
}

// TruncateHTML shortens text to at most limit UTF-16 code units of visible
// content, excluding tag markup from the count the way Telegram does. When a
// cut is needed the result ends with an ellipsis and every open tag closed.
func TruncateHTML(text string, limit int) string {
	if limit <= 0 {
		return ""
	}

	indices := tagRegex.FindAllStringIndex(text, -1)

	total := 0
	lastPos := 0

	for _, idx := range indices {
		total += UTF16Len(text[lastPos:idx[0]])
		lastPos = idx[1]
	}

	total += UTF16Len(text[lastPos:])
	if total <= limit {
		return text
	}

	budget := limit - UTF16Len(ellipsis)

	var sb strings.Builder

	var open []string

	used := 0
	lastPos = 0

	for _, idx := range indices {
		if done := writeSegment(&sb, text[lastPos:idx[0]], budget-used, open); done {
			return sb.String()
		}

		used += UTF16Len(text[lastPos:idx[0]])
		open = writeTag(&sb, text[idx[0]:idx[1]], open)
		lastPos = idx[1]
	}

	if done := writeSegment(&sb, text[lastPos:], budget-used, open); done {
		return sb.String()
	}

	closeOpenTags(&sb, open)

	return sb.String()
}

// writeSegment writes a text segment if it fits in room, or writes the
// truncated tail and reports that the message is finished.
func writeSegment(sb *strings.Builder, segment string, room int, open []string) bool {
	if UTF16Len(segment) <= room {
		sb.WriteString(segment)

		return false
	}

	cut := utf16Slice(segment, room)
	cut = dropPartialEntity(cut)

	// Prefer breaking at a word boundary when one is close enough.
	if pos := strings.LastIndexAny(cut, " \n"); pos > 0 {
		cut = cut[:pos]
	}

	sb.WriteString(strings.TrimRight(cut, " \n"))
	sb.WriteString(ellipsis)
	closeOpenTags(sb, open)

	return true
}

// dropPartialEntity strips a trailing "&..." with no closing ";" so a cut
// cannot leave a malformed entity behind.
func dropPartialEntity(s string) string {
	idx := strings.LastIndex(s, "&")
	if idx >= 0 && !strings.ContainsRune(s[idx:], ';') {
		return s[:idx]
	}

	return s
}

func writeTag(sb *strings.Builder, tag string, open []string) []string {
	matches := tagRegex.FindStringSubmatch(tag)
	if len(matches) < 3 {
		return open
	}

	name := strings.ToLower(matches[2])

	if matches[1] == "/" {
		idx := findLastOpenTag(open, name)
		if idx < 0 {
			return open
		}

		sb.WriteString(tag)

		return append(open[:idx], open[idx+1:]...)
	}

	sb.WriteString(tag)

	return append(open, name)
}

func closeOpenTags(sb *strings.Builder, open []string) {
	for i := len(open) - 1; i >= 0; i-- {
		sb.WriteString("</" + open[i] + ">")
	}
}

func findLastOpenTag(open []string, name string) int {
	for i := len(open) - 1; i >= 0; i-- {
		if open[i] == name {
			return i
		}
	}

	return -1
}
