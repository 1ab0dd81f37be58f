package resolver

import "regexp"

var (
	// coverTitle matches uploads that are not the original recording.
	coverTitle = regexp.MustCompile(`(?i)\b(covers?|karaoke|tribute|in the style of|instrumental)\b`)
	// coverQuery matches queries that explicitly ask for such a version.
	coverQuery = regexp.MustCompile(`(?i)\b(covers?|karaoke|instrumental|tribute)\b`)
)

// IsCover reports whether title looks like a cover, karaoke, tribute or
// instrumental upload.
func IsCover(title string) bool {
	return coverTitle.MatchString(title)
}

// WantsCover reports whether the query asks for a non-original version.
func WantsCover(query string) bool {
	return coverQuery.MatchString(query)
}

// Keep applies the content filter to one candidate title.
func Keep(query, title string) bool {
	if title == "" {
		return true
	}
	return !IsCover(title) || WantsCover(query)
}
