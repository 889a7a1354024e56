package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crucible/internal/crs"
	"crucible/internal/models"
	"crucible/internal/models/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	kind := flag.String("kind", "", "task kind this worker executes (fuzz, seed-gen, patch, analyze)")
	toolPath := flag.String("tool", "", "path to the executor tool binary")
	artifactsDir := flag.String("artifacts", "/var/lib/crucible/artifacts", "directory for task artifact output")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	taskKind := models.TaskKind(*kind)
	if !taskKind.Valid() {
		log.Fatal("invalid -kind", zap.String("kind", *kind))
	}
	if *toolPath == "" {
		log.Fatal("-tool is required")
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := crs.RunWorker(ctx, cfg, log, taskKind, *toolPath, *artifactsDir); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker exited", zap.Error(err))
	}
}
