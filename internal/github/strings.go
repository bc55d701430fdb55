package github

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var repoFullNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// IsValidRepoFullName reports whether s looks like "owner/repo". Kept
// deliberately small: GitHub itself is the authority at verify time.
func IsValidRepoFullName(s string) bool {
	return repoFullNameRe.MatchString(s)
}

// NormalizePathPrefix turns user input into a relative directory prefix with
// a trailing slash. Empty input falls back to "articles/".
func NormalizePathPrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "articles/"
	}
	p = strings.TrimPrefix(p, "/")
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

var (
	diacriticFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	slugDropRe    = regexp.MustCompile("['\"`]")
	slugDashRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// Slugify reduces a title to a filesystem- and URL-safe name: diacritics
// folded to ASCII, everything non-alphanumeric collapsed to single dashes.
// May return "" (e.g. a fully CJK title); callers supply a fallback.
func Slugify(title string) string {
	s := title
	if folded, _, err := transform.String(diacriticFold, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	s = slugDropRe.ReplaceAllString(s, "")
	s = slugDashRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
