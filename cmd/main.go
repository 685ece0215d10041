package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rfbiom"
)

func main() {
	simulate := flag.Bool("sim", false, "Skip serial detection and run on synthetic frames")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "console", "Log format: console or json")
	tracePath := flag.String("trace", "", "Write every tick to this CSV file")
	flag.Parse()

	cfg := rfbiom.DefaultConfig()
	cfg.Hardware.Enabled = !*simulate
	cfg.Log.Level = *logLevel
	cfg.Log.Format = *logFormat

	logger, err := rfbiom.NewLogger(cfg.Log.Level, cfg.Log.Format, "rfbiom")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	fmt.Println("--- RF-BIOM INFERENCE ENGINE ---")
	fmt.Printf("[%s] Initializing...\n", time.Now().Format(time.DateTime))

	source := rfbiom.NewFrameSource(cfg, rfbiom.WithLogger(logger))
	fmt.Printf("[*] Mode: %s\n", source.Mode())

	var reporter rfbiom.Reporter = rfbiom.NewStatusLine(os.Stdout)
	if *tracePath != "" {
		trace, err := rfbiom.NewCsvTrace(*tracePath)
		if err != nil {
			source.Close()
			logger.Fatal("Failed to create trace file", zap.String("path", *tracePath), zap.Error(err))
		}
		reporter = rfbiom.MultiReporter{reporter, trace}
	}

	// On failure NewEngine has already closed the source and flushed the trace.
	engine, err := rfbiom.NewEngine(cfg, source, reporter, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Run(ctx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	fmt.Println("[!] System halted.")
}
