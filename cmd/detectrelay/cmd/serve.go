package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/detectrelay/internal/cgroups"
	"github.com/psantana5/detectrelay/pkg/api"
	"github.com/psantana5/detectrelay/pkg/cleanup"
	"github.com/psantana5/detectrelay/pkg/jobs"
	"github.com/psantana5/detectrelay/pkg/logging"
	"github.com/psantana5/detectrelay/pkg/metrics"
	"github.com/psantana5/detectrelay/pkg/ratelimit"
	"github.com/psantana5/detectrelay/pkg/session"
	"github.com/psantana5/detectrelay/pkg/shutdown"
	tlsutil "github.com/psantana5/detectrelay/pkg/tls"
	"github.com/psantana5/detectrelay/pkg/tracing"
	"github.com/psantana5/detectrelay/pkg/transport"
	"github.com/psantana5/detectrelay/pkg/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload relay",
	Long: `Starts the websocket session endpoint, the result download routes and the
metrics listener, and runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("metrics-listen", ":9090", "Prometheus metrics listen address (empty disables)")
	serveCmd.Flags().String("public-url", "", "base URL used in result links (default: relative links)")
	serveCmd.Flags().String("worker-dir", ".", "detection worker source directory")
	serveCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("metrics_listen", serveCmd.Flags().Lookup("metrics-listen"))
	viper.BindPFlag("public_url", serveCmd.Flags().Lookup("public-url"))
	viper.BindPFlag("worker.dir", serveCmd.Flags().Lookup("worker-dir"))
	viper.BindPFlag("log.level", serveCmd.Flags().Lookup("log-level"))
}

func newLogger(cfg LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir != "" {
		return logging.NewFileLogger(cfg.Dir, "detectrelay", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	roots, err := workspace.NewRoots(cfg.ScratchDir, cfg.OutputDir)
	if err != nil {
		return err
	}
	if err := roots.Init(); err != nil {
		return err
	}
	logger.Info("Storage roots ready", map[string]interface{}{"scratch": roots.Scratch, "output": roots.Output})

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "detectrelay",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	collector := metrics.NewCollector()

	launcher := &jobs.Launcher{
		Command:      cfg.Worker.Command,
		Program:      cfg.Worker.Program,
		WorkDir:      cfg.Worker.Dir,
		Grace:        cfg.Worker.Grace,
		NicePriority: cfg.Worker.Nice,
		Logger:       logger,
	}
	if limits := (cgroups.Limits{CPUs: cfg.Worker.CPUs, MemoryMax: cfg.Worker.MemoryMax}); !limits.Empty() {
		if !cgroups.Available(cfg.Worker.CgroupRoot) {
			logger.Warn("cgroup v2 not detected, worker limits may not apply", map[string]interface{}{"root": cfg.Worker.CgroupRoot})
		}
		launcher.Cgroups = cgroups.New(cfg.Worker.CgroupRoot)
		launcher.Limits = limits
	}

	sessions := session.NewManager(session.Deps{
		Roots:   roots,
		Starter: launcher,
		Config: session.Config{
			PublicURL:        cfg.PublicURL,
			MaxFileBytes:     cfg.Upload.MaxFileBytes,
			IdleTimeout:      cfg.Session.IdleTimeout,
			MaxRuntime:       cfg.Session.MaxRuntime,
			TerminateTimeout: cfg.Session.TerminateTimeout,
			SampleInterval:   cfg.Session.SampleInterval,
		},
		Logger:   logger,
		Recorder: collector,
		Tracer:   tracer,
	}, cfg.Session.MaxSessions)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	handler := api.NewHandler(api.Config{
		ClientOrigins: cfg.ClientOrigins,
		Transport:     transport.Options{MaxFrameBytes: cfg.Upload.MaxFrameBytes},
	}, api.Deps{
		Roots:    roots,
		Sessions: sessions,
		Limiter:  limiter,
		Tracer:   tracer,
		Metrics:  collector,
		Logger:   logger,
	})

	sweeper := cleanup.NewManager(cleanup.Config{
		Enabled:   cfg.Retention.Enabled,
		Interval:  cfg.Retention.Interval,
		Retention: cfg.Retention.MaxAge,
	}, roots.Output, logger)
	sweeper.Protect = sessions.Active

	sd := shutdown.New(cfg.ShutdownTimeout, logger)
	// Steps run in reverse: servers first, sessions, sweeper, tracer last.
	sd.Register("tracer", tracer.Shutdown)
	sd.Register("cleanup", sweeper.Stop)
	sd.Register("sessions", sessions.Shutdown)

	if cfg.MetricsListen != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", collector).Methods("GET")
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           metricsRouter,
			ReadHeaderTimeout: 10 * time.Second,
		}
		sd.Register("metrics server", shutdown.StopHTTPServer(metricsSrv, "metrics"))
		go listen(metricsSrv, "metrics", logger, sd)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLS.Enabled() {
		tlsConfig, err := tlsutil.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}
	sd.Register("http server", shutdown.StopHTTPServer(srv, "http"))

	if limiter != nil {
		stop := make(chan struct{})
		sd.Register("rate limiter", func(context.Context) error {
			close(stop)
			return nil
		})
		go pruneLimiters(limiter, stop)
	}

	sweeper.Start()
	go listen(srv, "http", logger, sd)

	logger.Info("detectrelay started", map[string]interface{}{
		"version":        Version,
		"listen":         cfg.Listen,
		"metrics":        cfg.MetricsListen,
		"worker":         cfg.Worker.Command + " " + cfg.Worker.Program,
		"max_sessions":   cfg.Session.MaxSessions,
		"client_origins": cfg.ClientOrigins,
	})

	sd.Wait(cmd.Context())
	return nil
}

func listen(srv *http.Server, name string, logger *logging.Logger, sd *shutdown.Manager) {
	logger.Info("Listening", map[string]interface{}{"server": name, "addr": srv.Addr, "tls": srv.TLSConfig != nil})
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", map[string]interface{}{"server": name, "error": err.Error()})
		sd.Trigger()
	}
}

func pruneLimiters(l *ratelimit.Limiter, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.CleanupOldLimiters(10 * time.Minute)
		case <-stop:
			return
		}
	}
}
