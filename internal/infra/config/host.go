package config

import (
	"strings"
	"time"
)

const (
	// DefaultStartupDelay is the pause between issuing adapter connects and starting the state monitor.
	DefaultStartupDelay = 5 * time.Millisecond
	// DefaultReadyTimeout bounds the wait for adapters to report connected before the monitor starts.
	DefaultReadyTimeout = 3 * time.Second
	// DefaultPollInterval is how often extension parsers are polled for data.
	DefaultPollInterval = time.Second
)

// BaseFiles lists the optional reference-data resources. Empty entries are skipped.
type BaseFiles struct {
	Session   string
	Commodity string
	Contract  string
	Holiday   string
	Hot       string
	Second    string
}

// StartupConfig tunes the ordering between adapter connects and monitor start.
type StartupConfig struct {
	Delay        time.Duration
	ReadyTimeout time.Duration
}

// ExtensionConfig points at an optional script-hosted extension runtime.
type ExtensionConfig struct {
	Script       string
	PollInterval time.Duration
	Options      *Variant
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string
	ServiceName   string
	OTLPInsecure  bool
	EnableMetrics bool
}

// PersistenceConfig points the storage writer at an optional Postgres sink.
type PersistenceConfig struct {
	DSN      string
	MaxConns int32
	Migrate  bool
}

// Enabled reports whether a sink is configured.
func (p PersistenceConfig) Enabled() bool {
	return p.DSN != ""
}

// ControlConfig enables the HTTP control API when Addr is set.
type ControlConfig struct {
	Addr string
}

// HostConfig is the typed view of the top-level runner document.
type HostConfig struct {
	Root         *Variant
	BaseFiles    BaseFiles
	Broadcaster  *Variant
	Writer       *Variant
	StateMonitor string
	Parsers      string
	Extension    ExtensionConfig
	Startup      StartupConfig
	Telemetry    TelemetryConfig
	Persistence  PersistenceConfig
	Control      ControlConfig
}

// NewHostConfig extracts the recognised keys of the runner document. Missing keys are
// not errors; the host skips the matching step.
func NewHostConfig(root *Variant) HostConfig {
	bf := root.Get("basefiles")
	ext := root.Get("extension")
	startup := root.Get("startup")
	telemetry := root.Get("telemetry")
	persistence := root.Get("persistence")
	control := root.Get("control")

	delay := startup.Duration("delay", DefaultStartupDelay)
	if delay < 0 {
		delay = 0
	}
	ready := startup.Duration("readyTimeout", DefaultReadyTimeout)
	if ready < 0 {
		ready = 0
	}
	poll := ext.Duration("pollInterval", DefaultPollInterval)
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	migrate := true
	if persistence.Has("migrate") {
		migrate = persistence.Bool("migrate")
	}
	maxConns := persistence.Int("maxConns")
	if maxConns < 0 || maxConns > 1<<16 {
		maxConns = 0
	}

	enableMetrics := true
	if telemetry.Has("enableMetrics") {
		enableMetrics = telemetry.Bool("enableMetrics")
	}

	return HostConfig{
		Root: root,
		BaseFiles: BaseFiles{
			Session:   bf.Path("session"),
			Commodity: bf.Path("commodity"),
			Contract:  bf.Path("contract"),
			Holiday:   bf.Path("holiday"),
			Hot:       bf.Path("hot"),
			Second:    bf.Path("second"),
		},
		Broadcaster:  root.Get("broadcaster"),
		Writer:       root.Get("writer"),
		StateMonitor: root.Path("statemonitor"),
		Parsers:      root.Path("parsers"),
		Extension: ExtensionConfig{
			Script:       ext.Path("script"),
			PollInterval: poll,
			Options:      ext.Get("options"),
		},
		Startup: StartupConfig{
			Delay:        delay,
			ReadyTimeout: ready,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  strings.TrimSpace(telemetry.String("otlpEndpoint")),
			ServiceName:   strings.TrimSpace(telemetry.String("serviceName")),
			OTLPInsecure:  telemetry.Bool("otlpInsecure"),
			EnableMetrics: enableMetrics,
		},
		Persistence: PersistenceConfig{
			DSN:      strings.TrimSpace(persistence.String("dsn")),
			MaxConns: int32(maxConns),
			Migrate:  migrate,
		},
		Control: ControlConfig{
			Addr: strings.TrimSpace(control.String("addr")),
		},
	}
}
