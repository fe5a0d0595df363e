// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/logging"
	"github.com/nishisan-dev/n-upload/internal/server"
	"github.com/nishisan-dev/n-upload/internal/server/observability"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "/etc/nupload/server.yaml", "path to server config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("nupload-server", observability.Version)
		return
	}

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := server.Run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}
