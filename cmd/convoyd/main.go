// Command convoyd is the Convoy daemon. It runs the Registry, the
// Coordinator, the Supervisor, the configured worker pool, and the HTTP
// interface in one process, entirely from the YAML config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/driftworks/convoy/agent"
	"github.com/driftworks/convoy/config"
	"github.com/driftworks/convoy/coord"
	"github.com/driftworks/convoy/executor"
	"github.com/driftworks/convoy/internal/version"
	"github.com/driftworks/convoy/server"
	"github.com/driftworks/convoy/task"
)

var configPath = flag.String("config", "convoy.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting convoyd",
		"version", version.Version,
		"commit", version.Commit,
	)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	c := coord.New(store, logger)
	if err := c.Rebuild(); err != nil {
		log.Fatalf("Failed to rebuild pending index: %v", err)
	}
	defer c.Close()

	console := agent.NewConsole(store, c, cfg.Supervisor.HeartbeatTTL.Std(), logger)
	sup := agent.NewSupervisor(agent.SupervisorConfig{
		MonitorInterval: cfg.Supervisor.MonitorInterval.Std(),
		HeartbeatTTL:    cfg.Supervisor.HeartbeatTTL.Std(),
	}, store, c, logger)

	pool := agent.NewPool(logger)
	for _, wc := range cfg.Workers {
		exec := executor.NewCommand(wc.Commands, cfg.DataDir)
		pool.Add(agent.NewWorker(agent.WorkerConfig{
			ID:             wc.ID,
			Capabilities:   wc.Capabilities,
			HeartbeatEvery: wc.HeartbeatEvery.Std(),
			ExecTimeout:    wc.ExecTimeout.Std(),
		}, store, c, exec, logger))
	}

	srv := server.New(*cfg, console, sup, c, version.Version, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })

	fmt.Printf("Convoy daemon running on http://localhost%s\n", cfg.Server.Addr)
	fmt.Printf("Version: %s (%s)\n", version.Version, version.Commit)

	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	fmt.Println("Shutdown complete")
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "convoy.yaml" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// openStore builds the Registry backend named by the config.
func openStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "convoy.db"
		}
		return task.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
