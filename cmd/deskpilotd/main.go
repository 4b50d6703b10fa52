// deskpilotd serves the agent control core over gRPC.
//
// Usage:
//
//	deskpilotd                               # defaults, 127.0.0.1:50061
//	deskpilotd -config deskpilot.toml        # TOML file, reloaded on change
//	deskpilotd -addr :50061 -env .env
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/config"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/grpc"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/observability"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/store"
)

// stdLogger implements the core Logger interfaces using standard library log.
type stdLogger struct {
	level int
}

var levels = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func newStdLogger(level string) *stdLogger {
	l, ok := levels[strings.ToUpper(level)]
	if !ok {
		l = levels["INFO"]
	}
	return &stdLogger{level: l}
}

func (l *stdLogger) logf(level int, tag, msg string, keysAndValues []any) {
	if level < l.level {
		return
	}
	log.Printf("[%s] %s %v", tag, msg, keysAndValues)
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) { l.logf(0, "DEBUG", msg, keysAndValues) }
func (l *stdLogger) Info(msg string, keysAndValues ...any)  { l.logf(1, "INFO", msg, keysAndValues) }
func (l *stdLogger) Warn(msg string, keysAndValues ...any)  { l.logf(2, "WARN", msg, keysAndValues) }
func (l *stdLogger) Error(msg string, keysAndValues ...any) { l.logf(3, "ERROR", msg, keysAndValues) }

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	envFile := flag.String("env", ".env", "dotenv file with DESKPILOT_* overrides")
	addr := flag.String("addr", "", "gRPC address (overrides grpc_addr)")
	flag.Parse()

	if err := run(*configPath, *envFile, *addr); err != nil {
		log.Fatalf("deskpilotd: %v", err)
	}
}

func run(configPath, envFile, addr string) error {
	opts := config.LoadOptions{Path: configPath, EnvFile: envFile}
	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.GRPCAddr = addr
	}

	logger := newStdLogger(cfg.LogLevel)
	logger.Info("deskpilotd_starting", "address", cfg.GRPCAddr, "db", cfg.DBPath, "write_lock", cfg.WriteLock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer("deskpilotd", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	k := kernel.NewKernel(logger, cfg.KernelConfig(), st, store.ExecAllowlist{Store: st})
	stopCleanup := k.StartCleanupLoop(kernel.DefaultCleanupConfig())
	defer stopCleanup()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, opts, logger, func(next *config.AgentConfig) {
				next.ApplyReloadable(k.Policy(), k.Approvals())
			})
			if err != nil {
				logger.Warn("config_watch_stopped", "error", err.Error())
			}
		}()
	}

	control := grpc.NewControlServer(logger, k, cfg.ShellTimeout())
	if cfg.NATSURL != "" {
		nc, err := planner.ConnectNATS(cfg.NATSURL, "deskpilotd")
		if err != nil {
			logger.Warn("nats_unavailable", "url", cfg.NATSURL, "error", err.Error())
		} else {
			defer nc.Drain()
			control.WithEvents(planner.NewNATSSink(nc, cfg.NATSSubject, logger))
			logger.Info("nats_connected", "url", cfg.NATSURL, "subject", cfg.NATSSubject)
		}
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", "error", err.Error())
			}
		}()
	}

	server := grpc.NewGracefulServer(control, logger, cfg.GRPCAddr)
	fmt.Fprintf(os.Stderr, "\ndeskpilotd running on %s\nPress Ctrl+C to stop\n", cfg.GRPCAddr)
	serveErr := server.Start(ctx)

	logger.Info("shutdown_started")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metrics.Shutdown(sctx)
	if err := k.Shutdown(sctx); err != nil {
		logger.Warn("kernel_shutdown_incomplete", "error", err.Error())
	}
	logger.Info("deskpilotd_stopped")
	return serveErr
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
