package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/app"
	"github.com/agentworkforce/relaynotes/internal/config"
	"github.com/agentworkforce/relaynotes/internal/notefs"
	"github.com/agentworkforce/relaynotes/internal/notesync"
)

func main() {
	env := &envReader{}
	configPath := flag.String("config", strings.TrimSpace(os.Getenv(config.EnvConfigPath)), "settings file (JSON)")
	mountDir := flag.String("mount-dir", strings.TrimSpace(os.Getenv("RELAYNOTES_MOUNT_DIR")), "directory to mount the notes tree on")
	interval := flag.Duration("interval", env.duration("RELAYNOTES_MOUNT_INTERVAL", 0), "poll interval (defaults to the configured one)")
	intervalJitter := flag.Float64("interval-jitter", env.float("RELAYNOTES_MOUNT_INTERVAL_JITTER", -1), "poll interval jitter ratio (0.0-1.0)")
	cacheTimeout := flag.Duration("cache-timeout", env.duration("RELAYNOTES_MOUNT_CACHE_TIMEOUT", time.Second), "kernel entry and attribute cache timeout")
	allowOther := flag.Bool("allow-other", env.bool("RELAYNOTES_MOUNT_ALLOW_OTHER", false), "let other users read the mount")
	debug := flag.Bool("debug-fuse", false, "log every FUSE request")
	flag.Parse()

	if strings.TrimSpace(*mountDir) == "" {
		log.Fatalf("mount-dir is required (--mount-dir or RELAYNOTES_MOUNT_DIR)")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, app.Options{ConfigPath: *configPath, Service: "relaynotes-mount"})
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer a.Close()
	env.report(a.Logger)

	poll := notesync.PollOptions{Interval: a.Config.PollInterval, Jitter: a.Config.PollJitter}
	if *interval > 0 {
		poll.Interval = *interval
	}
	if *intervalJitter >= 0 {
		poll.Jitter = *intervalJitter
	}

	server, err := notefs.Mount(*mountDir, a.Engine.Index(), notefs.MountOptions{
		CacheTimeout: *cacheTimeout,
		AllowOther:   *allowOther,
		Debug:        *debug,
	})
	if err != nil {
		a.Logger.Fatal("mount failed", zap.Error(err))
	}
	a.Logger.Info("notes mounted", zap.String("dir", *mountDir))

	if *configPath != "" {
		go func() {
			if err := a.WatchCredentials(rootCtx, *configPath); err != nil && rootCtx.Err() == nil {
				a.Logger.Warn("settings watch stopped", zap.Error(err))
			}
		}()
	}
	go func() {
		<-rootCtx.Done()
		if err := server.Unmount(); err != nil {
			a.Logger.Warn("unmount failed", zap.Error(err))
		}
	}()

	if err := a.Engine.Run(rootCtx, poll); err != nil {
		a.Logger.Error("sync loop failed", zap.Error(err))
	}
	server.Wait()
}

// envReader parses flag defaults from the environment. Invalid values fall
// back to the default and are reported once the logger exists.
type envReader struct {
	invalid []invalidEnv
}

type invalidEnv struct {
	name     string
	raw      string
	fallback string
	err      error
}

func (r *envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.reject(name, raw, fallback.String(), err)
		return fallback
	}
	return value
}

func (r *envReader) float(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.reject(name, raw, strconv.FormatFloat(fallback, 'f', -1, 64), err)
		return fallback
	}
	return value
}

func (r *envReader) bool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		r.reject(name, raw, strconv.FormatBool(fallback), err)
		return fallback
	}
	return value
}

func (r *envReader) reject(name, raw, fallback string, err error) {
	r.invalid = append(r.invalid, invalidEnv{name: name, raw: raw, fallback: fallback, err: err})
}

func (r *envReader) report(logger *zap.Logger) {
	for _, inv := range r.invalid {
		logger.Warn("invalid environment value, using fallback",
			zap.String("name", inv.name),
			zap.String("value", inv.raw),
			zap.String("fallback", inv.fallback),
			zap.Error(inv.err))
	}
}
