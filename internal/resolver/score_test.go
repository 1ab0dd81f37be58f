package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoverFilter(t *testing.T) {
	for _, title := range []string{
		"Slipknot - Psychosocial (Cover)",
		"Slipknot - Psychosocial [Metal Cover]",
		"Psychosocial - Banjo Cover",
		"Slipknot - Psychosocial Karaoke",
		"A Tribute to Slipknot",
		"Psychosocial in the style of Slipknot",
		"Psychosocial (Instrumental)",
	} {
		assert.True(t, IsCover(title), title)
		assert.False(t, Keep("slipknot psychosocial", title), title)
	}

	assert.False(t, IsCover("Slipknot - Psychosocial Official Video"))
	assert.True(t, Keep("slipknot psychosocial", "Slipknot - Psychosocial Official Video"))
	assert.True(t, Keep("slipknot psychosocial banjo cover", "Psychosocial - Banjo Cover"))
	assert.True(t, Keep("psychosocial karaoke", "Slipknot - Psychosocial Karaoke"))
	assert.True(t, Keep("anything", ""))
}

func TestScorersPreferTheMatchingTitle(t *testing.T) {
	query := "radiohead karma police"
	good := Candidate{ID: "a", Title: "Radiohead - Karma Police (Official Music Video)"}
	bad := Candidate{ID: "b", Title: "Police Academy Theme"}
	corpus := []string{query, good.Title, bad.Title}

	for _, s := range []Scorer{TokenScorer{}, FuzzyScorer{}} {
		g, b := s.Score(query, good, corpus), s.Score(query, bad, corpus)
		assert.Greater(t, g, b, s.Name())
		assert.GreaterOrEqual(t, g, DefaultMinAcceptScore, s.Name())
		assert.LessOrEqual(t, g, 1.0, s.Name())
	}
}

func TestTokenScorerCountsNamedUploader(t *testing.T) {
	c := Candidate{ID: "x", Title: "Karma Police", Uploader: "Radiohead"}
	withUploader := TokenScorer{}.Score("radiohead karma police", c, []string{"radiohead karma police", c.Title})
	assert.InDelta(t, 1.0, withUploader, 1e-9)
}

func TestBestRejectsBelowThreshold(t *testing.T) {
	cands := []Candidate{{ID: "x", Title: "Completely Different"}, {ID: "", Title: "no id"}}
	best, ok, _ := Best("radiohead karma police", cands, TokenScorer{}, DefaultMinAcceptScore)
	assert.False(t, ok)
	assert.Equal(t, "x", best.ID)

	_, ok, rejected := Best("karma police", []Candidate{{ID: "k", Title: "Karma Police Karaoke"}}, TokenScorer{}, 0)
	assert.False(t, ok)
	assert.Equal(t, []string{"Karma Police Karaoke"}, rejected)
}

func TestTokensCovered(t *testing.T) {
	assert.True(t, tokensCovered("Song of a Day", "song day of"))
	assert.True(t, tokensCovered("go to it", "anything"), "short words are ignored")
	assert.False(t, tokensCovered("song live", "song"))
}
