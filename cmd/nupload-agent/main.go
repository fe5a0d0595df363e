// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/nishisan-dev/n-upload/internal/agent"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/logging"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "/etc/nupload/agent.yaml", "path to agent config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("nupload-agent", agent.Version)
		return
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := agent.RunDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}
