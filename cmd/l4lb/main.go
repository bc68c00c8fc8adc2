// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command l4lb runs the load balancer: --config <path> loads the YAML
// rules and starts every acceptor, health checker, and (if configured)
// the cluster gossip node, per spec.md §6's CLI and exit-code contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/l4lb/l4lb/internal/supervisor"
)

// Exit codes, per spec.md §6: 0 = clean shutdown, 64 = invalid config at
// startup, 70 = listener bind failure, other nonzero = unexpected fatal.
const (
	exitOK             = 0
	exitInvalidConfig  = 64
	exitListenerFailed = 70
	exitUnexpected     = 1
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:  "l4lb",
		Usage: "Layer 4 TCP load balancer and reverse proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the YAML config file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
				Value: "info",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, cmd.String("config"), cmd.String("log-level"))
		},
	}
}

func runServer(ctx context.Context, configPath, logLevel string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(configPath, logger)
	return sup.Run(ctx)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() int {
	app := createApp()
	ctx := context.Background()

	if err := app.Run(ctx, os.Args); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrInvalidConfig):
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			return exitInvalidConfig
		case errors.Is(err, supervisor.ErrListenerBind):
			fmt.Fprintf(os.Stderr, "listener bind failure: %v\n", err)
			return exitListenerFailed
		default:
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitUnexpected
		}
	}
	return exitOK
}
