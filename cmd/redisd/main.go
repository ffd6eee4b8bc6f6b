package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"redisd/internal/config"
	"redisd/internal/logger"
	"redisd/internal/server"
)

func main() {
	cfg, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "redisd: %v\n", err)
		os.Exit(1)
	}

	prefix := "redisd"
	if cfg.IsReplica() {
		prefix = "redisd-replica"
	}
	if err := logger.Init(cfg.LogDir, logLevel(cfg.LogLevel), prefix); err != nil {
		fmt.Fprintf(os.Stderr, "redisd: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg); err != nil {
		logger.Error("redisd: exiting: %v", err)
		os.Exit(1)
	}
}

func logLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DEBUG
	case "warn":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
