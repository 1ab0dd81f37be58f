package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/leeineian/cadenza/internal/config"
	"github.com/leeineian/cadenza/internal/logger"
)

const usage = `usage: cadenza [-silent] [-log-file] <command> [args]

commands:
  serve          run the player with a console on stdin
  resolve <q>    print the identifier a query resolves to
  fetch <q>      resolve and download into the cache
  sweep          run one integrity sweep over the whole cache
`

func main() {
	// Fatal logs panic with a string so deferred cleanup still runs.
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, "\n[FATAL] %s\n", msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	cfg := config.Load()

	silent := flag.Bool("silent", cfg.Silent, "Disable all log output")
	logToFile := flag.Bool("log-file", cfg.LogToFile, "Also write logs to "+config.ProjectName+".log")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg.LogToFile = *logToFile
	logger.Init(logger.Options{Silent: *silent, FilePath: cfg.LogPath(), Debug: cfg.Debug})
	defer logger.Close()
	for _, w := range cfg.Warnings {
		logger.Warn(logger.MsgConfigWarning, w)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	var err error
	switch args[0] {
	case "serve":
		release := acquirePID()
		defer release()
		logger.Info(logger.MsgAppStarting, config.ProjectName, os.Getpid())
		err = serve(ctx, cfg, os.Stdin, os.Stdout, *silent)
	case "resolve":
		err = withApp(ctx, cfg, func(a *app) error { return resolveCmd(ctx, a, os.Stdout, args[1:]) })
	case "fetch":
		err = withApp(ctx, cfg, func(a *app) error { return fetchCmd(ctx, a, os.Stdout, args[1:]) })
	case "sweep":
		err = withApp(ctx, cfg, func(a *app) error { return sweepCmd(ctx, a, os.Stdout) })
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal(logger.MsgGenericError, err)
	}
}
