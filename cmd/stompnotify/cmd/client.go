package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"github.com/tsarna/stompnotify/pkg/stompnotify/config"
	"github.com/tsarna/stompnotify/pkg/stompnotify/otel"
	"github.com/tsarna/stompnotify/pkg/stompnotify/prom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	serviceName = "stompnotify"
	defaultURL  = "http://localhost:8080"
)

// Version is reported to the tracing and metrics providers.
var Version = "dev"

var (
	configPaths    []string
	envFile        string
	brokerURL      string
	endpoint       string
	login          string
	passcode       string
	authorization  string
	connectTimeout time.Duration
	metricsAddr    string
)

func addConnectionFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringArrayVarP(&configPaths, "config", "c", nil, "configuration file or directory (repeatable)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration is evaluated")
	flags.StringVarP(&brokerURL, "url", "u", "", "broker base URL (default "+defaultURL+")")
	flags.StringVarP(&endpoint, "endpoint", "e", "", "WebSocket endpoint path (default "+stompnotify.DefaultEndpoint+")")
	flags.StringVar(&login, "login", "", "STOMP login")
	flags.StringVar(&passcode, "passcode", "", "STOMP passcode")
	flags.StringVar(&authorization, "authorization", "", "HTTP Authorization header for the WebSocket handshake")
	flags.DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "time to wait for the first connection")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func loadEnvFile(logger *zap.Logger) {
	if envFile == "" {
		return
	}

	if err := godotenv.Load(envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("No env file", zap.String("path", envFile))
			return
		}
		logger.Warn("Failed to load env file", zap.String("path", envFile), zap.Error(err))
	}
}

// loadConfig builds the client configuration from --config sources and
// applies flag overrides on top.
func loadConfig(logger *zap.Logger) (*config.Config, error) {
	loadEnvFile(logger)

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(configPaths)...).
		Build()
	if diags.HasErrors() {
		return nil, diags
	}

	if brokerURL != "" {
		cfg.URL = brokerURL
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if login != "" {
		cfg.Login = login
		cfg.Passcode = passcode
	}
	if authorization != "" {
		cfg.Authorization = authorization
	}

	return cfg, nil
}

type client struct {
	manager       *stompnotify.ConnectionManager
	metricsServer *http.Server
	logger        *zap.Logger
}

func newClient(cfg *config.Config, logger *zap.Logger, transforms ...stompnotify.MessageTransformFunc) (*client, error) {
	transport, err := cfg.TransportBuilder().Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	provider := otel.NewProvider(serviceName, Version)

	builder := cfg.ManagerBuilder().
		WithTransport(transport).
		WithMonitor(stompnotify.NewLoggingMonitor(logger, zapcore.InfoLevel)).
		WithTracing(provider).
		WithMessageTransforms(transforms...)

	c := &client{logger: logger}

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		builder = builder.WithMetrics(prom.NewProvider(registry, serviceName))
		c.serveMetrics(registry)
	} else {
		builder = builder.WithMetrics(provider)
	}

	c.manager, err = builder.Build()
	if err != nil {
		c.shutdownMetrics()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	return c, nil
}

func (c *client) serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	c.metricsServer = &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		c.logger.Info("Serving metrics", zap.String("addr", metricsAddr))
		if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// connect starts the connection and waits for the first session or a
// terminal error.
func (c *client) connect(ctx context.Context) error {
	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	err := c.manager.Connect(
		func(info stompnotify.ConnectInfo) {
			report(nil)
		},
		func(err error) {
			c.logger.Error("Connection failed", zap.Error(err))
			report(err)
		},
	)
	if err != nil {
		return err
	}

	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for connection: %w", ctx.Err())
	}
}

func (c *client) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.manager.Stop(ctx); err != nil {
		c.logger.Warn("Error during client shutdown", zap.Error(err))
	}
	c.shutdownMetrics()
}

func (c *client) shutdownMetrics() {
	if c.metricsServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.metricsServer.Shutdown(ctx); err != nil {
		c.logger.Warn("Error stopping metrics server", zap.Error(err))
	}
}

// waitForSignal blocks until SIGINT, SIGTERM or ctx is done.
func waitForSignal(ctx context.Context, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Debug("Signal received, exiting", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Debug("Context done, exiting")
	}
}

// parseMessage treats s as JSON when it is valid JSON and as a plain string
// otherwise.
func parseMessage(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

// parseEntityID keeps numeric ids numeric on the wire.
func parseEntityID(s string) any {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id
	}
	return s
}

// Helper to convert []string to []any
func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
