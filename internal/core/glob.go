package core

import (
	"path"
	"strings"

	"github.com/wjurkowlaniec/gdrive/internal/model"
)

// HasMeta reports whether a path segment contains shell glob syntax.
func HasMeta(segment string) bool {
	return strings.ContainsAny(segment, `*?[\`)
}

// MatchName reports whether a single entry name matches a shell glob
// pattern (*, ?, [...], backslash escapes). As in the shell, a leading dot
// must be matched explicitly. Both sides are compared in NFC.
func MatchName(pattern, name string) (bool, error) {
	pattern = model.SortKey(pattern)
	name = model.SortKey(name)

	if strings.HasPrefix(name, ".") && !strings.HasPrefix(pattern, ".") {
		// Still validate the pattern so bad syntax is reported consistently.
		_, err := path.Match(pattern, "")
		return false, err
	}
	return path.Match(pattern, name)
}

// unescape removes glob escapes from a segment, giving the literal name a
// pattern stands for when it is not treated as a pattern.
func unescape(segment string) string {
	if !strings.Contains(segment, `\`) {
		return segment
	}
	var b strings.Builder
	escaped := false
	for _, r := range segment {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
