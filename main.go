package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hsmpchat/internal/api"
	"hsmpchat/internal/chat"
	"hsmpchat/internal/config"
	"hsmpchat/internal/console"
	"hsmpchat/internal/observability"
	"hsmpchat/internal/storage"
	"hsmpchat/internal/transport"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	session := transport.NewSession(transport.Config{
		URL:               cfg.SocketURL,
		Identity:          cfg.Identity,
		Token:             cfg.Token,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		AckTimeout:        cfg.AckTimeout,
	}, transport.WithLogger(logger))
	apiClient := api.New(cfg.APIURL, cfg.Token, cfg.RequestTimeout)

	opts := []chat.Option{chat.WithLogger(logger)}
	if cfg.CacheFile != "" {
		bbStorage, err := storage.NewBboltStorage(cfg.CacheFile, cfg.Identity)
		if err != nil {
			return err
		}
		defer func() { _ = bbStorage.Close() }()
		opts = append(opts, chat.WithCache(bbStorage))
	}

	client := chat.New(chat.Config{
		TypingDebounce: cfg.TypingDebounce,
		TypingTimeout:  cfg.TypingTimeout,
	}, session, apiClient, opts...)
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
			return nil
		})
	}

	if err := client.Connect(gCtx); err != nil {
		// Offline is not fatal: cached rooms stay readable and /reconnect may succeed later.
		logger.Warn("starting offline", "identity", cfg.Identity, "error", err)
	}

	shell := console.New(client, out)

	g.Go(func() error {
		shell.Watch(gCtx)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return shell.Run(gCtx, in)
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
