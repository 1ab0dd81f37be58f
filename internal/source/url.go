package source

import (
	"strconv"
	"strings"
	"time"
)

// ExtractVideoID pulls the 11-char style identifier out of watch, short
// and youtu.be links. It returns "" for anything else.
func ExtractVideoID(u string) string {
	cut := func(s, sep string, stops string) string {
		_, rest, ok := strings.Cut(s, sep)
		if !ok {
			return ""
		}
		if i := strings.IndexAny(rest, stops); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
	if !IsURL(u) {
		return ""
	}
	if id := cut(u, "v=", "&#"); id != "" {
		return id
	}
	if id := cut(u, "youtu.be/", "?&#/"); id != "" {
		return id
	}
	if id := cut(u, "shorts/", "?&#/"); id != "" {
		return id
	}
	return ""
}

// IsURL reports whether s looks like an http(s) link rather than free text.
func IsURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// WatchURL is the canonical page for id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// ParseClock parses "3:20" or "1:02:03" into a duration. Bare seconds
// ("200", "200.5") are accepted too.
func ParseClock(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" {
		return 0
	}
	if !strings.Contains(s, ":") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 {
			return 0
		}
		return time.Duration(f * float64(time.Second))
	}
	var total int
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}
