// Command atomd is the core daemon: it owns buffers, runs search, and
// serves the IPC protocol described in SPEC_FULL.md over a TCP listener.
// Entrypoint shape (single command, ExitErrHandler, ldflags-set version)
// follows quarry/cmd/quarry/main.go.
//
// Exit codes:
//
//	0: clean shutdown (SIGINT/SIGTERM or listener closed intentionally)
//	1: unexpected internal error
//	2: startup failure (bad config, can't bind the listener)
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/atom-ide/atomd/internal/alog"
	"github.com/atom-ide/atomd/internal/config"
	"github.com/atom-ide/atomd/internal/handler"
	"github.com/atom-ide/atomd/internal/ipcserver"
	"github.com/atom-ide/atomd/internal/metrics"
)

var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "atomd",
		Usage:          "atom-ide core daemon",
		Version:        fmt.Sprintf("0.1.0 (commit: %s)", commit),
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML settings file"},
			&cli.StringFlag{Name: "endpoint", Usage: "override the listen address (host:port)"},
			&cli.StringFlag{Name: "ready-marker", Usage: "path to write the readiness marker file to"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, or error"},
			&cli.StringSliceFlag{Name: "permit-root", Usage: "directory buffers may be saved under (repeatable); unset means unrestricted"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("atomd: load config: %v", err), 2)
	}
	if v := c.String("endpoint"); v != "" {
		settings.Endpoint = v
	}

	log := alog.New(c.String("log-level"))
	defer log.Sync() //nolint:errcheck

	ln, err := net.Listen("tcp", settings.Endpoint)
	if err != nil {
		return cli.Exit(fmt.Sprintf("atomd: listen on %s: %v", settings.Endpoint, err), 2)
	}
	log.Info("listening", zap.String("endpoint", settings.Endpoint))

	h := handler.NewDefault(c.StringSlice("permit-root"))
	m := metrics.New()
	srv := ipcserver.New(ln, h, m, ipcserver.Config{
		MaxInFlight:     settings.MaxInFlight,
		MaxFrameBytes:   settings.MaxFrameBytes,
		ReadyMarkerPath: c.String("ready-marker"),
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Serve(ctx); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return cli.Exit(fmt.Sprintf("atomd: serve: %v", err), 1)
	}
	log.Info("shut down cleanly")
	return nil
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "atomd: %v\n", err)
	os.Exit(1)
}
