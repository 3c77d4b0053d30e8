// Command loggy-agent ships log lines to a loggy collector.
//
// It reads lines from stdin (--stdin) and accepts entries over a local HTTP
// surface, queueing everything durably while the collector is unreachable.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/loggysh/loggy-go/agent/internal/config"
	"github.com/loggysh/loggy-go/agent/internal/ingest"
	"github.com/loggysh/loggy-go/agent/loggy"
	"github.com/loggysh/loggy-go/pkg/types"
)

func main() {
	configPath := pflag.StringP("config", "c", "loggy.yaml", "path to config file (.yaml or .toml)")
	readStdin := pflag.Bool("stdin", false, "ship lines read from stdin")
	tag := pflag.StringP("tag", "t", "", "tag attached to stdin lines")
	levelName := pflag.String("level", "info", "level of stdin lines")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	level, err := types.ParseLevel(*levelName)
	if err != nil {
		slog.Error("invalid --level", "err", err)
		os.Exit(2)
	}

	slog.Info("loggy-agent starting",
		"config", *configPath,
		"endpoint", cfg.Endpoint,
		"data_dir", cfg.DataDir,
	)

	engine, err := loggy.New(loggy.OptionsFromConfig(cfg, logger))
	if err != nil {
		slog.Error("failed to open engine", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Shutdown(); err != nil {
			slog.Error("engine shutdown", "err", err)
		}
	}()
	loggy.SetDefault(engine)
	defer engine.Recover()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Setup(ctx, cfg.Endpoint, cfg.APIKey()); err != nil {
		// InvalidHost is reported on the status feed; keep queueing.
		slog.Error("setup failed, messages will be queued", "err", err)
	}

	go logStates(ctx, engine)

	// Re-run Setup when the endpoint or api key changes.
	go func() {
		defer engine.Recover()
		current := *cfg
		err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			if updated.Endpoint == current.Endpoint && updated.APIKey() == current.APIKey() {
				slog.Info("config reloaded, connection settings unchanged")
				return
			}
			slog.Info("config reloaded, reconnecting", "endpoint", updated.Endpoint)
			current = *updated
			if err := engine.Setup(ctx, updated.Endpoint, updated.APIKey()); err != nil {
				slog.Error("setup after reload failed", "err", err)
			}
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	if cfg.Ingest.Addr != "" {
		srv := ingest.New(engine, logger)
		go func() {
			defer engine.Recover()
			if err := srv.ListenAndServe(ctx, cfg.Ingest.Addr); err != nil {
				slog.Error("ingest server stopped", "err", err)
			}
		}()
	}

	if *readStdin {
		go func() {
			defer engine.Recover()
			n, err := shipLines(ctx, os.Stdin, engine, level, *tag)
			if err != nil {
				slog.Error("stdin read failed", "err", err)
			}
			slog.Info("stdin closed", "lines", n)
		}()
	}

	<-ctx.Done()
	engine.Close()
	slog.Info("loggy-agent shutting down", "pending", engine.Pending())
}

// newLogger builds the agent's own logger from the log section.
func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func logStates(ctx context.Context, engine *loggy.Engine) {
	states, cancel := engine.Status()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			slog.Info("connection state", "state", st.String())
		}
	}
}
