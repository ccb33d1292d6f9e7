package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Antoine-Prieur/smart-news-ml/platform"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional YAML config file overlaid before environment variables")
	flag.Parse()

	cfg := platform.Defaults()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			return 1
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	log := logging.NewText(logging.ParseLevel(cfg.LoggingLevel))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := platform.New(ctx, cfg, log)
	if err != nil {
		log.ErrorCtx(ctx, "platform construction failed", "error", err)
		return 1
	}
	if err := p.Start(ctx); err != nil {
		log.ErrorCtx(ctx, "platform startup failed", "error", err)
		_ = p.Stop(context.Background())
		return 1
	}

	<-ctx.Done()
	log.InfoCtx(context.Background(), "shutdown signal received")

	if err := p.Stop(context.Background()); err != nil {
		log.ErrorCtx(context.Background(), "shutdown failed", "error", err)
		return 1
	}
	return 0
}
