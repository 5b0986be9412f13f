package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctor/internal/config"
	"proctor/internal/logging"
	"proctor/internal/metrics"
	"proctor/internal/mockbackend"
)

func cmdServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides server.listen_addr)")
	dbPath := fs.String("db", "", "SQLite database path, or :memory:")
	clipDir := fs.String("clips", "", "Directory that receives uploaded clips")
	seed := fs.Bool("seed", false, "Create a demo test and print its invitations")
	minutes := fs.Int("minutes", 30, "Duration of the seeded test in minutes")
	fs.Parse(os.Args[2:])

	path := resolveConfigPath(*configPath)
	cfg := loadConfig(path)
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DatabasePath = *dbPath
	}
	if *clipDir != "" {
		cfg.Server.ClipDir = *clipDir
	}

	log := newLogger(cfg, "proctorctl")
	defer log.Close()

	if cfg.Server.ClipDir != "" {
		if err := os.MkdirAll(cfg.Server.ClipDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating clip directory: %v\n", err)
			os.Exit(1)
		}
	}

	store, err := mockbackend.Open(cfg.Server.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *seed {
		seeded, err := mockbackend.Seed(context.Background(), store, time.Now(), *minutes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error seeding database: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Seeded demo test:", seeded.TestID)
		fmt.Println("  Invitation:  ", seeded.Invitation)
		fmt.Println("  Expired:     ", seeded.Expired)
		fmt.Println("  Unpublished: ", seeded.Unpublished)
		fmt.Println()
	}

	loader := watchConfig(path, log)
	if loader != nil {
		defer loader.Close()
	}

	opts := mockbackend.Options{
		Logger:   log,
		Registry: metrics.NewRegistry("proctor_backend"),
		ClipDir:  cfg.Server.ClipDir,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mockbackend.NewRouter(store, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("mock backend listening", "addr", cfg.Server.ListenAddr, "database", cfg.Server.DatabasePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", "error", err)
		}
	}
}

// watchConfig hot-reloads the log level from path. It returns nil when
// the file does not exist or cannot be watched.
func watchConfig(path string, log *logging.Logger) *config.Loader {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		log.Warn("config not watched", "path", path, "error", err)
		return nil
	}
	loader.OnChange(func(c *config.Config) {
		level, err := logging.ParseLevel(c.Logging.Level)
		if err != nil {
			return
		}
		if level != log.Level() {
			log.SetLevel(level)
			log.Info("log level changed", "level", logging.LevelString(level))
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config not watched", "path", path, "error", err)
		loader.Close()
		return nil
	}
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload rejected", "error", err)
		}
	}()
	return loader
}
