package draft

import (
	"strings"
	"unicode/utf8"
)

// Tag limits.
const (
	MaxTags      = 10
	MinTagLength = 2
	MaxTagLength = 20
)

// NormalizeTags trims each tag, drops those outside 2-20 characters and
// case-insensitive duplicates (first wins), keeps at most 10 and joins them
// with commas.
func NormalizeTags(tags []string) string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, MaxTags)
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		n := utf8.RuneCountInString(tag)
		if n < MinTagLength || n > MaxTagLength {
			continue
		}
		folded := strings.ToLower(tag)
		if seen[folded] {
			continue
		}
		seen[folded] = true
		out = append(out, tag)
		if len(out) == MaxTags {
			break
		}
	}
	return strings.Join(out, ",")
}
