package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/bondcast/pkg/bondcast"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/store"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: bondcast [-config=path] [serve|migrate]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := bondcast.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}
	switch cmd {
	case "serve":
		err = serve(cfg, logger)
	case "migrate":
		err = migrate(cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("bondcast_failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func serve(cfg bondcast.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := bondcast.NewEngine(ctx, bondcast.EngineOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutdown_requested")
	return engine.Stop()
}

func migrate(cfg bondcast.Config) error {
	if cfg.Stores.PostgresDSN == "" {
		return fmt.Errorf("stores.postgres_dsn is required to migrate")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pool, err := store.OpenPool(ctx, cfg.Stores.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}
	slog.Info("migrations_applied")
	return nil
}
