package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/cadenza/internal/cache"
	"github.com/leeineian/cadenza/internal/config"
	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/playback"
)

// consoleSession is the single session the console drives.
const consoleSession snowflake.ID = 1

const consoleHelp = `play <q>        append to the queue
now <q>         play next, after the current item
skip            skip once the next item can start
loop on|off     replay the current item
auto on|off     queue related items when the queue runs dry
queue           show the queue
ready           check whether the next item can start
stop            drop the session
remove <id>     delete a cache entry
help            this text`

func serve(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, silent bool) error {
	var connector playback.Connector = playback.DiscardConnector{}
	if cfg.PlayerCommand != "" {
		connector = execConnector{command: cfg.PlayerCommand}
	}
	a, err := newApp(ctx, cfg, connector)
	if err != nil {
		return err
	}
	a.daemons.StartDaemons(ctx)

	c := &console{a: a, out: out}
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Fprintln(out, `cadenza ready, "help" lists commands`)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			c.handle(ctx, line)
		}
	}

	if !silent {
		fmt.Fprintln(out)
	}
	logger.Info(logger.MsgAppShutdown, config.ProjectName)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.close(shutdownCtx)
	return nil
}

type console struct {
	a   *app
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) hooks() playback.Hooks {
	return playback.Hooks{
		NowPlaying: func(_ snowflake.ID, it playback.Item, src playback.Source) {
			c.printf("> now playing %s [%s]", label(it), src)
		},
		Skipped: func(_ snowflake.ID, it playback.Item, err error) {
			c.printf("! skipped %s: %v", label(it), err)
		},
		MetadataUpdated: func(_ snowflake.ID, it playback.Item) {
			c.printf("  %s", label(it))
		},
		Idle: func(snowflake.ID) {
			c.printf("- queue finished")
		},
		Disconnected: func(_ snowflake.ID, reason string) {
			c.printf("- session closed (%s)", reason)
		},
	}
}

func (c *console) session() {
	c.a.player.Session(consoleSession, c.hooks())
}

func (c *console) handle(ctx context.Context, line string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	p := c.a.player

	switch strings.ToLower(cmd) {
	case "":
	case "play", "now":
		if arg == "" {
			c.printf("usage: %s <query>", cmd)
			return
		}
		c.session()
		add := p.Enqueue
		if cmd == "now" {
			add = p.PlayNow
		}
		it, err := add(ctx, consoleSession, arg)
		if err != nil {
			c.printf("! %v", err)
			return
		}
		c.printf("+ %s", label(it))
	case "skip":
		if p.EnsureNextReady(ctx, consoleSession, 0) == playback.NextTimeout {
			c.printf("! next item is still loading, skipping anyway")
		}
		if !p.Skip(consoleSession) {
			c.printf("nothing is playing")
		}
	case "loop", "auto":
		on := arg == "on"
		if arg != "on" && arg != "off" {
			c.printf("usage: %s on|off", cmd)
			return
		}
		c.session()
		if cmd == "loop" {
			p.SetLoop(consoleSession, on)
		} else {
			p.SetAutoRecommend(consoleSession, on)
		}
		c.printf("%s %s", cmd, arg)
	case "queue":
		snap, ok := p.Snapshot(consoleSession)
		if !ok {
			c.printf("no session")
			return
		}
		c.printf("state %s, loop %t, auto %t", snap.State, snap.Loop, snap.AutoRecommend)
		if snap.Current != nil {
			c.printf("> %s", label(*snap.Current))
		}
		for i, it := range snap.Queue {
			c.printf("%2d. %s", i+1, label(it))
		}
	case "ready":
		c.printf("%s", p.EnsureNextReady(ctx, consoleSession, 0))
	case "stop":
		if !p.Reset(consoleSession) {
			c.printf("no session")
		}
	case "remove":
		if arg == "" {
			c.printf("usage: remove <id>")
			return
		}
		if p.Playing(arg) {
			c.printf("! %s is playing", arg)
			return
		}
		if err := cache.Remove(ctx, c.a.store, c.a.layout, arg); err != nil {
			c.printf("! %v", err)
			return
		}
		c.a.resolver.Forget(arg)
		c.printf("removed %s", arg)
	case "help":
		c.printf("%s", consoleHelp)
	default:
		c.printf("unknown command %q, try help", cmd)
	}
}

func label(it playback.Item) string {
	var b strings.Builder
	if it.Title != "" {
		b.WriteString(it.Title)
	} else {
		b.WriteString(it.ID)
	}
	if it.Uploader != "" {
		b.WriteString(" · ")
		b.WriteString(it.Uploader)
	}
	if it.Duration > 0 {
		fmt.Fprintf(&b, " [%s]", it.Duration)
	}
	return b.String()
}
