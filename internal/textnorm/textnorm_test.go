package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFoldsDiacriticsAndPunctuation(t *testing.T) {
	assert.Equal(t, "beyonce halo", Key("  Beyoncé — HALO!! "))
	assert.Equal(t, "sigur ros hoppipolla", Key("Sigur Rós: Hoppípolla"))
	assert.Equal(t, "", Key("!!!"))
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Daft Punk - One More Time", CleanTitle("Daft Punk - One More Time (Official Video) [HD]"))
	assert.Equal(t, "Song", CleanTitle("Song (Live) Remastered Lyrics"))
}

func TestTitleKeys(t *testing.T) {
	assert.Equal(t,
		[]string{"daft punk one more time", "one more time daft punk", "daft punk", "one more time"},
		TitleKeys("Daft Punk - One More Time (Official Video)"),
	)
	assert.Equal(t, []string{"halo"}, TitleKeys("Halo (Official Audio)"))
}

func TestVariants(t *testing.T) {
	v := Variants("Daft Punk - Around the World", 4)
	assert.Equal(t, "daft punk around the world", v[0])
	assert.Contains(t, v, "around the world daft punk")
	assert.LessOrEqual(t, len(v), 4)

	assert.Equal(t, []string{"halo"}, Variants("Halo", 4))
	assert.Nil(t, Variants("   ", 4))
}

func TestVariantsAreUnique(t *testing.T) {
	v := Variants("a a", 8)
	assert.Equal(t, []string{"a a"}, v)
}
