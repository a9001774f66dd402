// Command agentecs-viz serves a real-time observability surface for a
// simulated world: a WebSocket event stream, a small HTTP API, and an
// optional static frontend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/extensivelabs/agentecs-viz/internal/config"
	"github.com/extensivelabs/agentecs-viz/internal/history"
	"github.com/extensivelabs/agentecs-viz/internal/observability"
	"github.com/extensivelabs/agentecs-viz/internal/server"
	"github.com/extensivelabs/agentecs-viz/internal/source"
	"github.com/extensivelabs/agentecs-viz/internal/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	sourceShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

var (
	flagHost        string
	flagPort        int
	flagConfig      string
	flagMock        bool
	flagModule      string
	flagScript      string
	flagRemote      string
	flagFrontendDir string
	flagNoFrontend  bool
	flagVerbose     bool

	rootCmd = &cobra.Command{
		Use:           "agentecs-viz",
		Short:         "Real-time observability server for simulated worlds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the visualization server",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&flagHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVar(&flagConfig, "config", "", "path to YAML configuration file")
	serveCmd.Flags().BoolVar(&flagMock, "mock", false, "serve the built-in mock world")
	serveCmd.Flags().StringVarP(&flagModule, "module", "m", "", "world source to serve (mock, script, remote)")
	serveCmd.Flags().StringVar(&flagScript, "script", "", "serve a JavaScript world module from this path")
	serveCmd.Flags().StringVar(&flagRemote, "remote", "", "observe another server at this URL")
	serveCmd.Flags().StringVar(&flagFrontendDir, "frontend-dir", "", "static frontend directory")
	serveCmd.Flags().BoolVar(&flagNoFrontend, "no-frontend", false, "disable the static frontend")
	serveCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "agentecs-viz ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(&observability.StdLogger{Out: logger, Verbose: flagVerbose})

	cfg, err := config.LoadOrDefault(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	src, err := buildSource(cfg)
	if err != nil {
		return fmt.Errorf("build source: %w", err)
	}
	if err := src.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s source: %w", src.SourceType(), err)
	}
	logger.Printf("source connected: type=%s", src.SourceType())

	apiServer := buildAPIServer(cfg, src)
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
			cancel()
		}
	})
	logger.Printf("serving on http://%s (websocket at /ws)", cfg.Server.Addr())

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		src:        src,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

// applyFlagOverrides layers explicit CLI flags over the loaded configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.AppConfig) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = flagHost
	}
	if flags.Changed("port") {
		cfg.Server.Port = flagPort
	}
	if flags.Changed("frontend-dir") {
		cfg.Server.FrontendDir = flagFrontendDir
	}
	if flags.Changed("no-frontend") {
		cfg.Server.NoFrontend = flagNoFrontend
	}
	if flagMock {
		cfg.Source.Type = "mock"
	}
	if flags.Changed("module") {
		cfg.Source.Type = flagModule
	}
	if flags.Changed("script") {
		cfg.Source.Type = "script"
		cfg.Source.ScriptPath = flagScript
	}
	if flags.Changed("remote") {
		cfg.Source.Type = "remote"
		cfg.Source.RemoteURL = flagRemote
	}
}

func buildSource(cfg config.AppConfig) (source.WorldSource, error) {
	return source.New(cfg.Source.Type, source.Options{
		TickInterval:  time.Duration(cfg.Source.TickInterval * float64(time.Second)),
		EntityCount:   cfg.Source.MockEntities,
		QueueCapacity: cfg.Subscriber.Capacity(),
		History: history.Config{
			MaxTicks:           cfg.History.MaxTicks,
			CheckpointInterval: cfg.History.CheckpointInterval,
		},
		ScriptPath: cfg.Source.ScriptPath,
		RemoteURL:  cfg.Source.RemoteURL,
	})
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Enabled {
		telemetryCfg.Enabled = true
	}
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, err
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(cfg config.AppConfig, src source.WorldSource) *http.Server {
	opts := server.Options{}
	if !cfg.Server.NoFrontend {
		opts.FrontendDir = cfg.Server.FrontendDir
	}
	return &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.NewHandler(src, opts),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	src        source.WorldSource
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping http server", httpShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.src != nil {
		shutdownStep("disconnecting source", sourceShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- cfg.src.Disconnect() }()
			select {
			case err := <-done:
				return err
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
