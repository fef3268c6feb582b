package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sensorfuse/internal/config"
	"sensorfuse/internal/web"
)

func main() {
	var configPath, summarize string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.StringVar(&summarize, "summarize", "", "Print a summary of a recorded sample log and exit")
	flag.Parse()

	if summarize != "" {
		if err := printLogSummary(os.Stdout, summarize); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newLiveRuntime(cfg, logs)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	log.Printf("sensorfuse starting")
	log.Printf("source=%s rate=%s", cfg.Source.Kind, cfg.Engine.Rate)

	runErr := rt.Run(ctx)
	if runErr != nil {
		log.Printf("sensorfuse: %v", runErr)
	}
	log.Printf("sensorfuse stopping")
	rt.Close()
	if runErr != nil {
		os.Exit(1)
	}
}
