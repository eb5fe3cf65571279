package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"interpolapse/internal/cli"
	"interpolapse/internal/config"
	"interpolapse/internal/exifmeta"
	"interpolapse/internal/imaging"
	"interpolapse/internal/logging"
	"interpolapse/internal/pipeline"
	"interpolapse/internal/project"
	"interpolapse/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Paths.DatabasePath, err)
	}
	defer store.Close()

	backend, err := imaging.Open(cfg.Imaging.Backend, imaging.Settings{
		BlurSigma:   cfg.Imaging.BlurSigma,
		JPEGQuality: cfg.Imaging.JPEGQuality,
	})
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Backend:  backend,
		Resolver: exifmeta.NewResolver(nil, store, logger),
		Log:      logger,
		Defaults: project.Defaults{
			Threads:   cfg.Render.DefaultThreads,
			OutFormat: cfg.Render.OutputFormat,
		},
	}
	pipe := pipeline.New(ctx, cfg.Server.Concurrency, logger, store, deps)
	defer pipe.Stop()

	root := cli.NewRoot(pipe, deps, cfg, logger, store)
	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
