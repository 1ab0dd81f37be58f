package main

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/cadenza/internal/playback"
)

// execConnector plays each item by piping its bytes into a shell command,
// e.g. "ffplay -nodisp -autoexit -".
type execConnector struct {
	command string
}

func (c execConnector) Connect(context.Context, snowflake.ID) (playback.Output, error) {
	return &execOutput{command: c.command, ready: make(chan struct{})}, nil
}

type execOutput struct {
	command string
	ready   chan struct{}
	once    sync.Once

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (o *execOutput) Ready() <-chan struct{} {
	o.once.Do(func() { close(o.ready) })
	return o.ready
}

func (o *execOutput) Play(ctx context.Context, r io.Reader) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", o.command)
	cmd.Stdin = r
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = 2 * time.Second

	o.mu.Lock()
	o.cmd = cmd
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cmd = nil
		o.mu.Unlock()
	}()

	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (o *execOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cmd != nil && o.cmd.Process != nil {
		return o.cmd.Process.Kill()
	}
	return nil
}
