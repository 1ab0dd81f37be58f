package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/leeineian/cadenza/internal/download"
)

// cliOwner owns downloads started from one-shot subcommands.
const cliOwner = 0

func resolveCmd(ctx context.Context, a *app, out io.Writer, args []string) error {
	q := strings.Join(args, " ")
	if q == "" {
		return errors.New("resolve needs a query")
	}
	res, err := a.resolver.Resolve(ctx, q)
	if err != nil {
		return err
	}
	src := "provider"
	if res.FromCache {
		src = "cache"
	} else if res.Meta != nil {
		src = res.Meta.Provider
	}
	fmt.Fprintf(out, "%s\t%s\t%s\n", res.ID, res.Title, src)
	return nil
}

func fetchCmd(ctx context.Context, a *app, out io.Writer, args []string) error {
	q := strings.Join(args, " ")
	if q == "" {
		return errors.New("fetch needs a query")
	}
	res, err := a.resolver.Resolve(ctx, q)
	if err != nil {
		return err
	}
	if res.Meta != nil && res.Meta.URL != "" {
		return fmt.Errorf("%s is a direct stream and is never cached", res.Meta.URL)
	}
	if a.layout.Exists(res.ID) {
		fmt.Fprintf(out, "%s\talready cached\t%s\n", res.ID, a.layout.Path(res.ID))
		return nil
	}

	a.downloads.Enqueue(cliOwner, download.Item{ID: res.ID, Title: res.Title})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-a.results:
			if r.ID != res.ID {
				continue
			}
			if r.Err != nil {
				return r.Err
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", res.ID, r.Elapsed.Round(time.Millisecond), a.layout.Path(res.ID))
			return nil
		}
	}
}

func sweepCmd(ctx context.Context, a *app, out io.Writer) error {
	rep, err := a.sweeper(math.MaxInt32).Tick(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "entries %d, checked %d, broken %d, skipped %d, fixed %d\n",
		rep.Total, rep.Checked, rep.Broken, rep.Skipped, rep.Fixed)
	return nil
}
