package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/httpapi"
	"github.com/agentworkforce/relaynotes/internal/notesync"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	listen          string
	rateLimitMax    int
	rateLimitWindow time.Duration
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the chat and serve notes over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.listen, "listen", "", "listen address (defaults to the configured one)")
	cmd.Flags().IntVar(&flags.rateLimitMax, "rate-limit", 30, "writes allowed per subject and window; 0 disables")
	cmd.Flags().DurationVar(&flags.rateLimitWindow, "rate-limit-window", time.Minute, "rate limit window")
	return cmd
}

func runServe(ctx context.Context, root *rootFlags, flags *serveFlags) error {
	a, err := root.open(ctx, "relaynotes-serve")
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	addr := a.Config.ListenAddr
	if flags.listen != "" {
		addr = flags.listen
	}
	api := httpapi.NewServer(a.Engine, httpapi.ServerConfig{
		JWTSecret:       a.Config.JWTSecret,
		RateLimitMax:    flags.rateLimitMax,
		RateLimitWindow: flags.rateLimitWindow,
		Logger:          a.Logger.Named("http"),
		Metrics:         promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
	})
	if a.Config.JWTSecret == "" {
		a.Logger.Warn("http auth disabled; set RELAYNOTES_JWT_SECRET to require tokens")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
		// streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	polled := make(chan struct{})
	go func() {
		a.Logger.Info("http listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		defer close(polled)
		_ = a.Engine.Run(ctx, notesync.PollOptions{
			Interval: a.Config.PollInterval,
			Jitter:   a.Config.PollJitter,
		})
	}()
	if root.configPath != "" {
		go func() {
			if err := a.WatchCredentials(ctx, root.configPath); err != nil && ctx.Err() == nil {
				a.Logger.Warn("settings watch stopped", zap.Error(err))
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	cancelRun()
	<-polled
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http shutdown", zap.Error(err))
	}
	a.Logger.Info("stopped")
	return runErr
}
