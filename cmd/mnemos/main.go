package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mnemos-ai/mnemos"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	stdio := flag.Bool("stdio", false, "serve MCP over stdin/stdout for a single local user")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("MNEMOS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// In stdio mode stdout carries the protocol; logs must go to stderr.
	var logOut io.Writer = os.Stdout
	if *stdio {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []mnemos.Option{
		mnemos.WithLogger(logger),
		mnemos.WithVersion(version),
	}
	if *stdio {
		opts = append(opts, mnemos.WithStdio())
	}

	app, err := mnemos.New(opts...)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}

	if *stdio {
		err = app.RunStdio(ctx)
	} else {
		err = app.Run(ctx)
	}
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}
