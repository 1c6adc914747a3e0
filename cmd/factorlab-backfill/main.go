package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"factorlab/internal/config"
	"factorlab/internal/domain"
	"factorlab/internal/gather/us"
	"factorlab/internal/store"
)

func main() {
	endStr := flag.String("end", "", "last date to backfill YYYY-MM-DD (default: latest finished trading day)")
	batchSize := flag.Int("batch", 200, "symbols per request")
	workers := flag.Int("workers", 4, "concurrent requests")
	flag.Parse()

	cfgPath := "config/factorlab.yaml"
	if p := os.Getenv("FACTORLAB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatalf("alpaca credentials are required (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
	}

	// Dual logger: stdout + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/factorlab-backfill-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.Create(logFileName)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	w := io.MultiWriter(os.Stdout, logFile)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	start, err := cfg.HistoryStart()
	if err != nil {
		log.Fatalf("history start: %v", err)
	}

	var end time.Time
	if *endStr != "" {
		if end, err = config.ParseDate(*endStr); err != nil {
			log.Fatalf("end: %v", err)
		}
	} else {
		if end, err = us.LatestFinishedTradingDay(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL); err != nil {
			slog.Warn("trading calendar unavailable, backfilling through yesterday", "err", err)
			end = domain.SessionDate(time.Now()).AddDate(0, 0, -1)
		}
	}

	instruments, err := us.LoadUniverse(cfg.Universe.Path)
	if err != nil {
		log.Fatalf("failed to load universe: %v", err)
	}
	symbols := make([]string, len(instruments))
	for i, in := range instruments {
		symbols[i] = in.Symbol
	}
	if len(symbols) == 0 {
		log.Fatalf("universe %s is empty", cfg.Universe.Path)
	}

	provider := us.NewAlpacaBarProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL, cfg.Alpaca.Feed, cfg.Data.RateLimiter(), logger)
	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	backfiller := us.NewBackfiller(provider, pstore, symbols, start, end, *batchSize, *workers, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting backfill",
		"logFile", logFileName,
		"symbols", len(symbols),
		"start", start.Format("2006-01-02"),
		"end", end.Format("2006-01-02"),
	)
	if err := backfiller.Run(ctx); err != nil {
		log.Fatalf("backfill error: %v", err)
	}
}
