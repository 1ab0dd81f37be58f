package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeineian/cadenza/internal/playback"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		name string
		it   playback.Item
		want string
	}{
		{"id only", playback.Item{ID: "abc"}, "abc"},
		{"title", playback.Item{ID: "abc", Title: "Song"}, "Song"},
		{"full", playback.Item{ID: "abc", Title: "Song", Uploader: "Band", Duration: 3 * time.Minute}, "Song · Band [3m0s]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, label(tt.it))
		})
	}
}

func TestExecOutputPipesReader(t *testing.T) {
	out, err := execConnector{command: "cat > /dev/null"}.Connect(context.Background(), 1)
	require.NoError(t, err)
	select {
	case <-out.Ready():
	default:
		t.Fatal("exec output should be ready immediately")
	}
	require.NoError(t, out.Play(context.Background(), bytes.NewReader([]byte("audio"))))
	require.NoError(t, out.Close())
}

func TestExecOutputCancel(t *testing.T) {
	out, err := execConnector{command: "exec sleep 10"}.Connect(context.Background(), 1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = out.Play(ctx, bytes.NewReader(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
