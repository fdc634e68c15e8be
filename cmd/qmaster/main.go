package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/qmaster/core/logx"
	"github.com/gaspardpetit/qmaster/core/secret"
	"github.com/gaspardpetit/qmaster/internal/archive"
	"github.com/gaspardpetit/qmaster/internal/config"
	"github.com/gaspardpetit/qmaster/internal/ctrlsrv"
	"github.com/gaspardpetit/qmaster/internal/metrics"
	"github.com/gaspardpetit/qmaster/internal/sched"
	"github.com/gaspardpetit/qmaster/internal/server"
	"github.com/gaspardpetit/qmaster/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.MasterConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		logx.Log.Fatal().Err(err).Msg("environment")
	}
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		logx.Log.Fatal().Err(err).Msg("environment")
	}
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "qmaster version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("qmaster version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	policy, _ := cfg.SchedulingPolicy()

	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	var store archive.Store = archive.NewMemoryStore(cfg.ArchiveSize)
	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		serverstate.SetState(serverstate.StatusNotReady)
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err = archive.NewRedisStore(dctx, cfg.RedisAddr, archive.DefaultTTL)
		dcancel()
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis archive")
		}
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store and archive")
	}

	s := sched.New(sched.Options{
		Policy:          policy,
		AgingThreshold:  cfg.AgingThreshold,
		AgingTick:       cfg.AgingTick,
		DispatchBackoff: cfg.DispatchBackoff,
		Archive:         store,
	})
	d := ctrlsrv.NewDispatcher(s, ctrlsrv.Options{ClientKey: cfg.ClientKey, OriginPatterns: originPatterns(cfg.AllowedOrigins)})
	srv := &http.Server{Addr: cfg.Listen, Handler: server.New(cfg, s, d), ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.Listen {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			live := s.Inflight()
			logx.Log.Info().Int64("live_queries", live.Load()).Msg("drain requested")
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				if live.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("live_queries", live.Load()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := d.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("session shutdown")
		}
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if cfg.ClientKey != "" {
		logx.Log.Info().Str("client_key", secret.Mask(cfg.ClientKey)).Msg("client key required")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Str("addr", cfg.Listen).Str("policy", policy.String()).Dur("aging_threshold", cfg.AgingThreshold).Msg("master starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-shutdownDone
}

// originPatterns converts CORS origins into websocket origin patterns, which
// match on host only.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
