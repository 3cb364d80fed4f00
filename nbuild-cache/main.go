package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"native-build-go/rcache"
)

var (
	dbName        = flag.String("dbName", "nbuild-cache.db", "cache database name, inside -dir")
	addr          = flag.String("addr", "localhost:8080", "TCP address to listen to")
	dir           = flag.String("dir", "cache", "directory holding objects and dependency records")
	expiry        = flag.Duration("expiry", rcache.DefaultExpiredDuration, "how long an entry lives after its last access")
	sweepInterval = flag.Duration("sweep", 5*time.Minute, "interval between expiry sweeps")
	logLevel      = flag.String("log-level", "info", "debug, info, warn or error")
)

func main() {
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "nbuild-cache: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(*dir, 0o775); err != nil {
		logger.Error("create cache dir", "err", err)
		os.Exit(1)
	}
	store, err := rcache.OpenStore(filepath.Join(*dir, *dbName))
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	server := rcache.NewServer(store, *dir, logger)
	server.SetExpiredDuration(*expiry)
	sweeper := rcache.NewSweeper(store, *dir, logger)
	if err := sweeper.Start(*sweepInterval); err != nil {
		logger.Error("start sweeper", "err", err)
		os.Exit(1)
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe(*addr) }()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigch:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errc:
		logger.Error("listen", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sweeper.Stop(); err != nil {
		logger.Warn("stop sweeper", "err", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
}
