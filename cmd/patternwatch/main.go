// CLAUDE:SUMMARY CLI entry point for patternwatch — dark-pattern detection daemon with config, single-URL and file modes.
// Command patternwatch runs temporal dark-pattern detection on live pages.
//
// Usage:
//
//	patternwatch -config patternwatch.yaml              # pages, sinks and API from YAML
//	patternwatch -url https://shop.example -listen :8080 # one Chrome tab
//	patternwatch -file page.html                        # one HTML file, re-run on every save
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/phl/idgen"
	"github.com/hazyhaar/phl/patternwatch"
)

func main() {
	configPath := flag.String("config", "", "path to patternwatch.yaml config file")
	singleURL := flag.String("url", "", "watch a single URL in Chrome (stdout sink)")
	singleFile := flag.String("file", "", "watch a single HTML file (stdout sink)")
	listen := flag.String("listen", "", "HTTP API address, overrides http.listen")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath, *singleURL, *singleFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: patternwatch -config <file> | -url <url> | -file <page.html> [-listen :8080]")
		os.Exit(2)
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("patternwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path, url, file string) (*patternwatch.Config, error) {
	switch {
	case path != "":
		return patternwatch.LoadConfigFile(path)
	case url != "":
		return quickConfig(patternwatch.PageConfig{ID: idgen.PageID(url), URL: url})
	case file != "":
		return quickConfig(patternwatch.PageConfig{ID: "file", File: file})
	}
	return nil, errors.New("patternwatch: no page to watch")
}

func quickConfig(page patternwatch.PageConfig) (*patternwatch.Config, error) {
	cfg := &patternwatch.Config{
		Browser: patternwatch.BrowserConfig{ResourceBlocking: []string{"image", "font", "media"}},
		Pages:   []patternwatch.PageConfig{page},
		Sinks:   []patternwatch.SinkConfig{{Type: "stdout"}, {Type: "websocket"}},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *patternwatch.Config) error {
	w, err := patternwatch.New(cfg, logger)
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTP.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           w.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("patternwatch: http listening", "addr", cfg.HTTP.Listen, "mcp", cfg.MCP.Enabled)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
