// Package digest models the pod's unit of storage and the small set of
// string/time conventions every other package relies on: tag
// normalization (tags arrive as bare strings or {name:...} records),
// comma-separated tag lists, and the lookback duration grammar.
package digest

import (
	"strconv"
	"strings"
	"time"
)

// Digest is a single addressable blob in the pod: an id, a content body,
// a creation time, and an ordered set of tags.
type Digest struct {
	ID        string
	Content   string
	Tags      []string
	CreatedAt time.Time

	// HasCreatedAt is false when the pod omitted or sent an unparseable
	// created_at. Callers implementing the lookback filter must treat
	// this fail-open (include the digest) per spec §4.1.
	HasCreatedAt bool
}

// HasTag reports whether the digest carries the given tag.
func (d Digest) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ProcessedID scans the digest's tags for a "processed-<id>" tag and
// returns the id portion. Returns "", false if no such tag exists.
func (d Digest) ProcessedID() (string, bool) {
	const prefix = "processed-"
	for _, t := range d.Tags {
		if strings.HasPrefix(t, prefix) {
			return strings.TrimPrefix(t, prefix), true
		}
	}
	return "", false
}

// ExtractTagName normalizes a decoded JSON tag value (string or
// map[string]any with a "name" key) into a plain tag name. Unknown
// shapes (and a map without a string "name") yield "", never a panic.
func ExtractTagName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			return name
		}
	}
	return ""
}

// ParseTags splits a comma-separated tag list, trimming whitespace and
// dropping empty entries. Mirrors the original parse_tags() helper.
func ParseTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinTags is the inverse of ParseTags, used when building the
// comma-separated "tags" query parameter or POST field.
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// durationUnits maps the single-letter suffix grammar from spec §3/§6
// (lookback, timing) to a seconds multiplier.
var durationUnits = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
}

// ParseDuration parses the lookback/timing duration grammar: a bare
// integer (seconds), or an integer followed by one of s|m|h|d|w.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	mult, ok := durationUnits[s[len(s)-1]]
	if !ok {
		return 0, &strconv.NumError{Func: "ParseDuration", Num: s, Err: strconv.ErrSyntax}
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n*float64(mult)) * time.Second, nil
}
