// Package textnorm turns titles and queries into the folded keys used for
// alias lookups.
package textnorm

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	bracketRegex = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
	noiseRegex   = regexp.MustCompile(`(?i)\b(official|music|video|audio|remastered|remaster|lyrics?|live|hd|hq|4k|mv)\b`)
	artistSeps   = []string{" - ", " – ", " — ", " | ", " // "}
)

// Fold lowercases s and strips diacritics ("Beyoncé" -> "beyonce").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Key is the canonical alias form: folded, non-alphanumerics collapsed to
// single spaces.
func Key(s string) string {
	var sb strings.Builder
	for _, r := range Fold(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Tokens splits a key into words.
func Tokens(s string) []string {
	return strings.Fields(Key(s))
}

// CleanTitle drops bracketed qualifiers and the usual upload noise words.
func CleanTitle(title string) string {
	t := bracketRegex.ReplaceAllString(title, " ")
	t = noiseRegex.ReplaceAllString(t, " ")
	return strings.Join(strings.Fields(t), " ")
}

// SplitArtistTrack parses "Artist - Track" style titles. ok is false when no
// separator is present.
func SplitArtistTrack(title string) (artist, track string, ok bool) {
	for _, sep := range artistSeps {
		if i := strings.Index(title, sep); i > 0 {
			artist = strings.TrimSpace(title[:i])
			track = strings.TrimSpace(CleanTitle(title[i+len(sep):]))
			if artist != "" && track != "" {
				return artist, track, true
			}
		}
	}
	return "", "", false
}

// TitleKeys derives the alias keys registered for a freshly cached title.
func TitleKeys(title string) []string {
	var keys []string
	if artist, track, ok := SplitArtistTrack(title); ok {
		keys = append(keys,
			Key(artist+" "+track),
			Key(track+" "+artist),
			Key(artist),
			Key(track),
		)
	} else {
		keys = append(keys, Key(CleanTitle(title)))
	}
	return Unique(keys)
}

// Variants returns the query forms tried against providers and written back
// as aliases: the folded query, an artist/track swap, a half swap and the
// sorted token order. At most max entries are returned.
func Variants(query string, max int) []string {
	base := Key(query)
	if base == "" {
		return nil
	}
	out := []string{base}

	if artist, track, ok := SplitArtistTrack(query); ok {
		out = append(out, Key(track+" "+artist))
	}

	words := strings.Fields(base)
	if len(words) >= 2 {
		mid := len(words) / 2
		swapped := append(append([]string{}, words[mid:]...), words[:mid]...)
		out = append(out, strings.Join(swapped, " "))

		sorted := append([]string{}, words...)
		sort.Strings(sorted)
		out = append(out, strings.Join(sorted, " "))
	}

	out = Unique(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Unique drops empty strings and duplicates, keeping first occurrences.
func Unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
