package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"novelext/internal/config"
	"novelext/internal/fetch"
	"novelext/internal/health"
	"novelext/internal/server"
)

var version string = "<dev>"

// parseLogLevel converts a string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid log level, defaulting to info", "level", level)
		return slog.LevelInfo
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the whole program. It returns the process exit code so deferred
// cleanup runs before exit.
func run(args []string) int {
	var configFile string
	var addr string
	var healthPort int
	var logLevel string
	var logFile string
	var query string
	var bookURL string
	var sourceKey string

	flags := flag.NewFlagSet("novelext", flag.ContinueOnError)
	flags.StringVar(&configFile, "config", "", "Path to configuration file (defaults are used when empty)")
	flags.StringVar(&addr, "addr", ":8080", "Address to listen on")
	flags.IntVar(&healthPort, "health-port", 8081, "Port for the health endpoint (0 disables it)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated by size")
	flags.StringVar(&query, "search", "", "Run a single search, print the results as JSON and exit")
	flags.StringVar(&bookURL, "book", "", "Load a single book page, print it as JSON and exit")
	flags.StringVar(&sourceKey, "source", "anna", "Source used by -search and -book")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	oneShot := query != "" || bookURL != ""

	// one-shot output owns stdout
	var logOutput io.Writer = os.Stdout
	if oneShot {
		logOutput = os.Stderr
	}
	if logFile != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer fileWriter.Close()
		logOutput = io.MultiWriter(logOutput, fileWriter)
	}
	logger := slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	sourceServer, err := server.New(cfg, version)
	if err != nil {
		slog.Error("Failed to create source server", "error", err)
		return 1
	}

	if oneShot {
		if err := runOnce(sourceServer, sourceKey, query, bookURL, os.Stdout); err != nil {
			slog.Error("Request failed", "source", sourceKey, "error", err)
			return 1
		}
		return 0
	}

	var healthServer *health.Server
	if healthPort != 0 {
		healthServer = health.New(healthPort, sourceServer.Sources())
		go func() {
			if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Health server failed", "error", err)
			}
		}()
	}
	stopHealth := func() {
		if healthServer == nil {
			return
		}
		if err := healthServer.Stop(); err != nil {
			slog.Error("Health server shutdown failed", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           sourceServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", addr, "version", version, "sources", sourceServer.Sources().Len())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if healthServer != nil {
		healthServer.MarkReady()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-serverErr:
			slog.Error("Server failed", "error", err)
			stopHealth()
			return 1
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				slog.Info("Reloading configuration")
				newCfg, err := loadConfig(configFile)
				if err != nil {
					slog.Error("Failed to reload configuration", "error", err)
					continue
				}
				if healthServer != nil {
					healthServer.MarkNotReady()
				}
				err = sourceServer.UpdateConfig(newCfg)
				if healthServer != nil {
					healthServer.MarkReady()
				}
				if err != nil {
					slog.Error("Failed to update server configuration", "error", err)
					continue
				}
				slog.Info("Configuration reloaded successfully", "sources", sourceServer.Sources().Len())
			case syscall.SIGINT, syscall.SIGTERM:
				slog.Info("Shutting down server")
				if healthServer != nil {
					healthServer.MarkNotReady()
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				err := httpServer.Shutdown(ctx)
				cancel()
				stopHealth()
				if err != nil {
					slog.Error("Server shutdown failed", "error", err)
					return 1
				}
				return 0
			}
		}
	}
}

// runOnce performs a single search or book load and writes the result as
// indented JSON to out.
func runOnce(sourceServer *server.Server, sourceKey, query, bookURL string, out io.Writer) error {
	src := sourceServer.Sources().Get(sourceKey)
	if src == nil {
		return fmt.Errorf("unknown source '%s'", sourceKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = fetch.WithNavigation(ctx)

	var result any
	if query != "" {
		results, err := src.Search(ctx, query, sourceServer.Client())
		if err != nil {
			return err
		}
		result = results
	} else {
		book, err := src.LoadBook(ctx, bookURL, nil, sourceServer.Client())
		if err != nil {
			return err
		}
		result = book
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
