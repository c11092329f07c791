package digest

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"0s", 0, true},
		{"30", 30 * time.Second, true},
		{"2m", 2 * time.Minute, true},
		{"1h", time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"2w", 14 * 24 * time.Hour, true},
		{"", 0, false},
		{"bogus", 0, false},
		{"5x", 0, false},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		if c.ok && err != nil {
			t.Errorf("ParseDuration(%q) unexpected error: %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseDuration(%q) expected error, got %v", c.in, got)
		}
		if c.ok && got != c.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseTags(t *testing.T) {
	got := ParseTags("a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ParseTags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseTags[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if ParseTags("") != nil {
		t.Errorf("ParseTags(\"\") should be nil")
	}
}

func TestDigestProcessedID(t *testing.T) {
	d := Digest{Tags: []string{"q-done", "processed-42", "job"}}
	id, ok := d.ProcessedID()
	if !ok || id != "42" {
		t.Errorf("ProcessedID = %q, %v, want 42, true", id, ok)
	}

	d2 := Digest{Tags: []string{"q-done"}}
	if _, ok := d2.ProcessedID(); ok {
		t.Errorf("ProcessedID should be false when no processed- tag present")
	}
}

func TestExtractTagName(t *testing.T) {
	if got := ExtractTagName("plain"); got != "plain" {
		t.Errorf("ExtractTagName(string) = %q", got)
	}
	if got := ExtractTagName(map[string]any{"name": "x"}); got != "x" {
		t.Errorf("ExtractTagName(map) = %q", got)
	}
	if got := ExtractTagName(42); got != "" {
		t.Errorf("ExtractTagName(unknown) = %q, want empty", got)
	}
}
