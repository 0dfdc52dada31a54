package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/app/bootstrap"
	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
	"github.com/openfms/telematics-gateway/internal/logging"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Error("fatal startup error", zap.Error(err))
		os.Exit(1)
	}
}
