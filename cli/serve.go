package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/livepipe/config"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the livepipe API and viewer stream server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to livepipe.yaml")
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().String("host", "", "Listen host")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides config)")
	cmd.Flags().String("bus", "", "Message bus driver: memory or mqtt (overrides config)")
	cmd.Flags().String("mqtt-broker", "", "MQTT broker URL (overrides config)")
	cmd.Flags().String("sqlite-path", "", "Path to the upload record database (overrides config)")
	cmd.Flags().String("seed-dir", "", "Directory of demo burst sample images (overrides config)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint (overrides config)")
	cmd.Flags().Duration("read-header-timeout", 10*time.Second, "HTTP read header timeout")

	return cmd
}

// loadServeConfig resolves config file and environment settings, then
// applies any flags the user set explicitly.
func loadServeConfig(cmd *cobra.Command) (config.File, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Load(explicit)
	if err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("bus") {
		cfg.Bus.Driver, _ = flags.GetString("bus")
	}
	if flags.Changed("mqtt-broker") {
		cfg.Bus.MQTT.Broker, _ = flags.GetString("mqtt-broker")
	}
	if flags.Changed("sqlite-path") {
		cfg.Records.SQLitePath, _ = flags.GetString("sqlite-path")
	}
	if flags.Changed("seed-dir") {
		cfg.SeedDir, _ = flags.GetString("seed-dir")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if err := cfg.Validate(); err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	host, _ := cmd.Flags().GetString("host")
	readHeaderTimeout, _ := cmd.Flags().GetDuration("read-header-timeout")
	logger := newLogger(cmd)

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		if errors.Is(err, errConnect) {
			return exitError(exitConnect, "%v", err)
		}
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port))
	// No write timeout: /ws and /api/stream responses stay open.
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	// Streaming viewers never finish on their own; closing them lets
	// Shutdown drain the remaining requests.
	httpServer.RegisterOnShutdown(a.hub.Close)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "livepipe listening on %s (bus=%s events=%s counter=%s)\n",
			addr, cfg.Bus.Driver, cfg.Events.Driver, cfg.Counter.Driver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
