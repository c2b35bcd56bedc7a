// VidForge - Media processing platform
package main

import (
	"context"
	"os"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/logging"
	"github.com/vidforge/vidforge/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger; replaced with the configured one after Load.
	logger := logging.New("api", "info", "text")

	logger.Info("starting vidforge api",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.IsDevelopment() {
		format = "text"
	}
	logger = logging.New("api", cfg.LogLevel, format)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage_path", cfg.StoragePath,
		"transcoder", cfg.TranscoderBin,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
