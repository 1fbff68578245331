package htmlutils

import (
	"strings"
	"testing"
)

func TestUTF16Len(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "empty", input: "", want: 0},
		{name: "ascii", input: "hello", want: 5},
		{name: "cyrillic", input: "привет", want: 6},
		{name: "emoji surrogate pair", input: "🚨", want: 2},
		{name: "mixed", input: "ok 🚨", want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UTF16Len(tt.input); got != tt.want {
				t.Errorf("UTF16Len(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncateHTMLShortMessageUnchanged(t *testing.T) {
	in := "🚨 Confirmed infringement: <b>Some Movie</b> (video abc123, confidence 0.95)"

	if got := TruncateHTML(in, 4096); got != in {
		t.Errorf("TruncateHTML changed a message under the limit:\ngot  %q\nwant %q", got, in)
	}
}

func TestTruncateHTMLTagsDoNotCount(t *testing.T) {
	// Telegram counts visible content only, so markup must be free.
	in := "<b>12345</b>"

	if got := TruncateHTML(in, 5); got != in {
		t.Errorf("TruncateHTML(%q, 5) = %q, want unchanged", in, got)
	}
}

func TestTruncateHTMLClosesOpenTags(t *testing.T) {
	in := "<b>" + strings.Repeat("word ", 100) + "</b>"

	got := TruncateHTML(in, 50)
	if !strings.HasSuffix(got, "…</b>") {
		t.Fatalf("TruncateHTML = %q, want ellipsis followed by </b>", got)
	}

	visible := strings.TrimSuffix(strings.TrimPrefix(got, "<b>"), "</b>")
	if UTF16Len(visible) > 50 {
		t.Errorf("visible content is %d units, want at most 50", UTF16Len(visible))
	}
}

func TestTruncateHTMLClosesNestedTagsInOrder(t *testing.T) {
	in := "<b>bold <i>" + strings.Repeat("x", 100) + "</i></b>"

	got := TruncateHTML(in, 10)

	want := "<b>bold <i>xxxx…</i></b>"
	if got != want {
		t.Errorf("TruncateHTML = %q, want %q", got, want)
	}
}

func TestTruncateHTMLBreaksAtWordBoundary(t *testing.T) {
	got := TruncateHTML("alpha beta gamma delta", 12)

	want := "alpha beta…"
	if got != want {
		t.Errorf("TruncateHTML = %q, want %q", got, want)
	}
}

func TestTruncateHTMLDropsPartialEntity(t *testing.T) {
	got := TruncateHTML("12345&amp; tail", 9)

	want := "12345…"
	if got != want {
		t.Errorf("TruncateHTML = %q, want %q", got, want)
	}
}

func TestTruncateHTMLZeroLimit(t *testing.T) {
	if got := TruncateHTML("anything", 0); got != "" {
		t.Errorf("TruncateHTML with zero limit = %q, want empty", got)
	}
}
