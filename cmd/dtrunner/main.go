// Command dtrunner launches the market data runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/webclinic017/wondertrader/internal/app/host"
	"github.com/webclinic017/wondertrader/internal/infra/config"
	httpserver "github.com/webclinic017/wondertrader/internal/infra/server/http"
	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "dtcfg.yaml"
	runnerLoggerPrefix       = "dtrunner "
	shutdownTimeout          = 30 * time.Second
	hostShutdownTimeout      = 20 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	controlShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	logFile    string
	modDir     string
}

func main() {
	opts := parseFlags(flag.CommandLine, os.Args[1:])
	ctx, cancel := newSignalContext()
	defer cancel()

	out, closeOut, err := openLogOutput(opts.logFile)
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	defer closeOut()
	logger := log.New(out, runnerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	root, err := config.Load(resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	hostCfg := config.NewHostConfig(root)

	telemetryProvider, err := initTelemetry(ctx, logger, hostCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	runner := host.New(logger, host.WithModuleDir(opts.modDir))
	if err := runner.InitializeWith(ctx, root); err != nil {
		logger.Fatalf("initialize runner: %v", err)
	}

	control, err := startControlServer(logger, hostCfg.Control, runner)
	if err != nil {
		logger.Fatalf("start control api: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := runner.Start(ctx); err != nil {
			logger.Printf("runner stopped: %v", err)
			cancel()
		}
	})

	logger.Print("runner started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		runner:     runner,
		control:    control,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags(fs *flag.FlagSet, args []string) options {
	var opts options
	fs.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to runner configuration file (default: %s)", defaultConfigPath))
	fs.StringVar(&opts.logFile, "logfile", "", "Append logs to this file instead of stdout")
	fs.StringVar(&opts.modDir, "moddir", "", "Directory extension scripts are resolved against")
	_ = fs.Parse(args)
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openLogOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	// #nosec G304 -- the log path comes from the operator.
	file, err := os.OpenFile(clean, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = telemetryCfg.EnableMetrics && cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func startControlServer(logger *log.Logger, cfg config.ControlConfig, runner httpserver.Runner) (*httpserver.Server, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	srv := httpserver.New(cfg.Addr, runner, log.New(logger.Writer(), "control ", log.LstdFlags|log.Lmicroseconds))
	if _, err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

type gracefulShutdownConfig struct {
	runner     *host.Host
	control    *httpserver.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
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

	if cfg.control != nil {
		shutdownStep("stopping control api", controlShutdownTimeout, cfg.control.Shutdown)
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for event loop", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
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

	if cfg.runner != nil {
		shutdownStep("releasing parsers and flushing data", hostShutdownTimeout, cfg.runner.Shutdown)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat(defaultConfigPath); err != nil {
		if _, jsonErr := os.Stat("dtcfg.json"); jsonErr == nil {
			return "dtcfg.json"
		}
	}
	return filepath.Clean(defaultConfigPath)
}
