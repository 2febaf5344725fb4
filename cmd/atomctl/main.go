// Command atomctl is a thin test-harness client: each subcommand sends one
// request to atomd (auto-starting it if needed) and prints the result.
// It exists so the transport can be exercised from a shell instead of only
// from the eventual UI process. CLI shape follows quarry/cmd/quarry/main.go.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/atom-ide/atomd/internal/alog"
	"github.com/atom-ide/atomd/internal/autostart"
	"github.com/atom-ide/atomd/internal/config"
	"github.com/atom-ide/atomd/internal/ipcclient"
	"github.com/atom-ide/atomd/internal/wire"
)

func main() {
	app := &cli.App{
		Name:           "atomctl",
		Usage:          "exercise the atomd IPC transport from a shell",
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML settings file"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "per-request deadline"},
		},
		Commands: []*cli.Command{
			pingCommand(),
			openCommand(),
			saveCommand(),
			searchCommand(),
			statsCommand(),
			cancelCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func connect(c *cli.Context) (*ipcclient.Client, func(), error) {
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("atomctl: load config: %v", err), 2)
	}
	log := alog.New("warn")

	readyPath := filepath.Join(os.TempDir(), "atomd.ready")
	sup := autostart.New(settings, readyPath, log)

	ctx, cancel := context.WithTimeout(context.Background(), settings.ConnectionTimeout())
	defer cancel()
	client, err := sup.EnsureRunning(ctx)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("atomctl: connect: %v", err), 1)
	}

	return client, func() { client.Close() }, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func pingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "check daemon liveness",
		Action: func(c *cli.Context) error {
			client, done, err := connect(c)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			if err := client.Ping(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: ping: %v", err), 1)
			}
			fmt.Println("pong")
			return nil
		},
	}
}

func openCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "open a file into a daemon-side buffer",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("atomctl: open requires exactly one path argument", 2)
			}
			client, done, err := connect(c)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			id, err := client.OpenBuffer(ctx, c.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: open: %v", err), 1)
			}
			return printJSON(map[string]string{"id": id})
		},
	}
}

func saveCommand() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "save stdin's contents into an open buffer",
		ArgsUsage: "<buffer-id>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("atomctl: save requires exactly one buffer-id argument", 2)
			}
			contents, err := readAllStdin()
			if err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: read stdin: %v", err), 2)
			}
			client, done, err := connect(c)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			if err := client.SaveBuffer(ctx, c.Args().First(), contents); err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: save: %v", err), 1)
			}
			fmt.Println("saved")
			return nil
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "search for a regular expression under a root",
		ArgsUsage: "<root> <pattern>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-results", Value: 0, Usage: "0 means unbounded"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("atomctl: search requires <root> <pattern>", 2)
			}
			client, done, err := connect(c)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			items, truncated, err := client.Search(ctx, c.Args().Get(0), c.Args().Get(1), c.Int("max-results"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: search: %v", err), 1)
			}
			return printJSON(map[string]any{"items": items, "truncated": truncated})
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print the daemon's observable counters",
		Action: func(c *cli.Context) error {
			client, done, err := connect(c)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			stats, err := client.GetStats(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: stats: %v", err), 1)
			}
			return printJSON(stats)
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "send a Cancel for a request id on a new connection and print its acknowledgement (in-flight requests are per connection, so requests of other connections are not affected)",
		ArgsUsage: "<request-id>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("atomctl: cancel requires exactly one request-id argument", 2)
			}
			var target uint64
			if _, err := fmt.Sscanf(c.Args().First(), "%d", &target); err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: bad request-id: %v", err), 2)
			}
			client, done, err := connect(c)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			if err := client.Cancel(ctx, wire.RequestID(target)); err != nil {
				return cli.Exit(fmt.Sprintf("atomctl: cancel: %v", err), 1)
			}
			fmt.Println("acked")
			return nil
		},
	}
}

func readAllStdin() ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
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
	fmt.Fprintf(os.Stderr, "atomctl: %v\n", err)
	os.Exit(1)
}
