package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"chatbridge/internal/completion"
	"chatbridge/internal/config"
	"chatbridge/internal/engine/ollama"
	"chatbridge/internal/server"
)

const serveUsage = `Usage:
  chatbridge serve [--config <path>] [--host <host>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (optional; defaults apply when absent)
  --host   string   Override bind host from configuration
  --port   int      Override bind port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overrideHost string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&overrideHost, "host", "", "override bind host")
	fs.IntVar(&overridePort, "port", 0, "override bind port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, fromFile, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfgPath != "" && !fromFile {
		logger.Warn().Str("path", cfgPath).Msg("config file not readable, using defaults")
	}

	if overrideHost != "" {
		cfg.Server.Host = overrideHost
	}
	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	eng, err := ollama.New(cfg.Engine, logger)
	if err != nil {
		return fmt.Errorf("initialise generation engine: %w", err)
	}

	orch := completion.New(eng, logger)

	srv, err := server.New(cfg, eng, orch, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
