package source

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/leeineian/cadenza/internal/failure"
)

func TestExtractVideoID(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":               "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=RDdQw4w9": "dQw4w9WgXcQ",
		"https://music.youtube.com/watch?v=abc123&feature=share":    "abc123",
		"https://youtu.be/dQw4w9WgXcQ?t=42":                         "dQw4w9WgXcQ",
		"https://www.youtube.com/shorts/xyz789?feature=share":       "xyz789",
		"https://example.com/track/1":                               "",
		"never gonna give you up":                                   "",
		"v=notaurl":                                                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtractVideoID(in), in)
	}
}

func TestParseClock(t *testing.T) {
	assert.Equal(t, 3*time.Minute+20*time.Second, ParseClock("3:20"))
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, ParseClock("1:02:03"))
	assert.Equal(t, 200*time.Second, ParseClock("200"))
	assert.Equal(t, 1500*time.Millisecond, ParseClock("1.5"))
	assert.Zero(t, ParseClock("NA"))
	assert.Zero(t, ParseClock("live"))
	assert.Zero(t, ParseClock(""))
}

func TestRowsToInfo(t *testing.T) {
	out := "abc\tFirst\tUploader A\t212\nshort\trow\nxyz\tSecond\tNA\tNA\n"
	want := []Info{
		{ID: "abc", Title: "First", Uploader: "Uploader A", Duration: 212 * time.Second},
		{ID: "xyz", Title: "Second"},
	}
	if diff := cmp.Diff(want, rowsToInfo(out)); diff != "" {
		t.Errorf("rowsToInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify(t *testing.T) {
	exit := errors.New("exit status 1")

	err := classify(exit, "[youtube] abc: Downloading\nERROR: Sign in to confirm you're not a bot")
	assert.ErrorIs(t, err, failure.ErrProviderBlocked)
	assert.Contains(t, err.Error(), "Sign in to confirm")

	err = classify(exit, "ERROR: HTTP Error 429: Too Many Requests")
	assert.ErrorIs(t, err, failure.ErrProviderBlocked)

	err = classify(exit, "ERROR: Video unavailable")
	assert.ErrorIs(t, err, failure.ErrTransfer)
	assert.NotErrorIs(t, err, failure.ErrProviderBlocked)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
	assert.Equal(t, "last", lastLine("first\nlast\n"))
	assert.True(t, strings.HasPrefix(WatchURL("x"), "https://www.youtube.com/watch?v="))
}
