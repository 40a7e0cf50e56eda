package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArduPilot/UDPProxy/internal/metrics"
	"github.com/ArduPilot/UDPProxy/internal/store"
	"github.com/ArduPilot/UDPProxy/internal/tenant"
	"github.com/ArduPilot/UDPProxy/internal/wsrelay"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, supervising every tenant in the key store",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("keydb", "keys.tdb", "path to the tenant key store (or UDPPROXY_KEYDB)")
	cmd.Flags().String("tls-dir", ".", "directory holding fullchain.pem/privkey.pem for the TLS-WebSocket variant; set empty to disable (or UDPPROXY_TLS_DIR)")
	cmd.Flags().Duration("reload-interval", 5*time.Second, "minimum interval between key store reloads")
	cmd.Flags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty (or UDPPROXY_METRICS_ADDR)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	keydb, _ := cmd.Flags().GetString("keydb")
	if !cmd.Flags().Changed("keydb") {
		if v := os.Getenv("UDPPROXY_KEYDB"); v != "" {
			keydb = v
		}
	}
	if keydb == "" {
		return fmt.Errorf("key store path is required: use --keydb or set UDPPROXY_KEYDB")
	}

	db, err := store.Open(keydb)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer func() { _ = db.Close() }()

	tlsConfig, err := resolveTLSConfig(cmd, logger)
	if err != nil {
		return err
	}

	reloadInterval, _ := cmd.Flags().GetDuration("reload-interval")
	if reloadInterval <= 0 {
		return fmt.Errorf("--reload-interval must be positive, got %s", reloadInterval)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	sup := tenant.New(db, m, tlsConfig, reloadInterval, logger)
	if err := sup.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap tenants: %w", err)
	}

	logger.Info("udpproxy starting", "tenants", sup.TenantCount())
	sup.Run(ctx)
	logger.Info("udpproxy stopped")
	return nil
}

// resolveTLSConfig loads the engineer-side TLS certificate if --tls-dir
// (or UDPPROXY_TLS_DIR) names a directory. An empty dir disables the
// TLS-WebSocket variant outright; missing certificate files in the
// directory are treated as "not configured yet" rather than a
// fatal error, since a fresh deployment may run plain-WebSocket-only
// until an operator drops certificates in place.
func resolveTLSConfig(cmd *cobra.Command, logger *slog.Logger) (*tls.Config, error) {
	dir, _ := cmd.Flags().GetString("tls-dir")
	if !cmd.Flags().Changed("tls-dir") {
		if v, ok := os.LookupEnv("UDPPROXY_TLS_DIR"); ok {
			dir = v
		}
	}
	if dir == "" {
		return nil, nil
	}
	cfg, err := wsrelay.LoadServerTLSConfig(dir)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			logger.Warn("no TLS certificate found, TLS-WebSocket variant disabled", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("load TLS certificate from %s: %w", dir, err)
	}
	return cfg, nil
}

// resolveMetrics creates a Metrics instance and starts the HTTP server
// if --metrics-addr or UDPPROXY_METRICS_ADDR is set. Returns nil, nil if
// metrics are disabled. ctx controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("UDPPROXY_METRICS_ADDR")
	}
	m := metrics.New()
	if addr == "" {
		return m, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
