package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nimbusinfra/nimbus/pkg/catalog"
	"github.com/nimbusinfra/nimbus/pkg/executor"
	"github.com/nimbusinfra/nimbus/pkg/ledger"
	"github.com/nimbusinfra/nimbus/pkg/policy"
	"github.com/nimbusinfra/nimbus/pkg/providers/aws"
	"github.com/nimbusinfra/nimbus/pkg/provisioner"
	"github.com/nimbusinfra/nimbus/pkg/resolver"
	"github.com/nimbusinfra/nimbus/pkg/telemetry"
)

// runtimeConfig is the optional YAML config file behind --config. Every
// field has a usable default so nimbus runs with no file at all.
type runtimeConfig struct {
	// Region is the AWS region to provision into.
	Region string `yaml:"region" validate:"required"`

	// LedgerPath is the SQLite ledger file.
	LedgerPath string `yaml:"ledger_path" validate:"required"`

	// PolicyPaths are extra guardrail policy files or directories loaded
	// over the builtins.
	PolicyPaths []string `yaml:"policy_paths,omitempty"`

	// MaxParallel caps concurrent provider calls per plan.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`

	// CleanupParallel caps concurrent deletes during cleanup.
	CleanupParallel int `yaml:"cleanup_parallel" validate:"gte=0"`

	// Telemetry overrides.
	LogLevel       string  `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat      string  `yaml:"log_format" validate:"omitempty,oneof=console json"`
	MetricsAddress string  `yaml:"metrics_address,omitempty"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint,omitempty"`
	SamplingRate   float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

func defaultRuntimeConfig() *runtimeConfig {
	path := "nimbus.db"
	if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".nimbus", "ledger.db")
	}
	return &runtimeConfig{
		Region:     "us-east-1",
		LedgerPath: path,
	}
}

// loadRuntimeConfig reads the config file when --config was given, applying
// file values over the defaults.
func loadRuntimeConfig(path string) (*runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *runtimeConfig) telemetryConfig(version string) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	if c.LogLevel != "" {
		tcfg.Logging.Level = c.LogLevel
	}
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if c.LogFormat != "" {
		tcfg.Logging.Format = c.LogFormat
	}
	if c.MetricsAddress != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = c.MetricsAddress
	}
	if c.TracingEnabled {
		tcfg.Tracing.Enabled = true
		if c.OTLPEndpoint != "" {
			tcfg.Tracing.Exporter = "otlp"
			tcfg.Tracing.Endpoint = c.OTLPEndpoint
		}
		if c.SamplingRate > 0 {
			tcfg.Tracing.SamplingRate = c.SamplingRate
		}
	}
	return tcfg
}

// runtime bundles the provisioning stack behind the commands that execute
// intents.
type runtime struct {
	cfg   *runtimeConfig
	tel   *telemetry.Telemetry
	cat   *catalog.Catalog
	guard *policy.Engine
	led   *ledger.Ledger
	prov  *provisioner.Provisioner
}

// newRuntime builds the full stack: telemetry, catalog, guardrails, ledger,
// AWS provider, executor and provisioner.
func newRuntime(ctx context.Context, version string) (*runtime, error) {
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(cfg.telemetryConfig(version))
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}

	guard, err := policy.NewEngine(tel.Logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := guard.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			return nil, err
		}
	}

	if dir := filepath.Dir(cfg.LedgerPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	led, err := ledger.New(ledger.Config{Path: cfg.LedgerPath}, tel.Logger)
	if err != nil {
		return nil, err
	}
	if err := led.Init(ctx); err != nil {
		return nil, err
	}

	provider, err := aws.New(ctx, aws.Options{Region: cfg.Region}, tel.Logger)
	if err != nil {
		_ = led.Close()
		return nil, err
	}
	exec := executor.New(provider, executor.Options{}, tel.Logger)

	prov := provisioner.New(cat, resolver.New(cat, tel.Logger), guard, exec, led, tel, provisioner.Options{
		MaxParallel:     cfg.MaxParallel,
		CleanupParallel: cfg.CleanupParallel,
	})

	return &runtime{cfg: cfg, tel: tel, cat: cat, guard: guard, led: led, prov: prov}, nil
}

// streamEvents prints provisioning milestones for one session to stderr as
// they happen, so long runs show progress before the final summary. Under
// --json only warnings and errors are streamed, keeping stdout parseable.
func (r *runtime) streamEvents(session string) {
	filter := telemetry.FilterBySession(session)
	if jsonOutput {
		byLevel := telemetry.FilterByLevel(telemetry.EventLevelWarning)
		bySession := filter
		filter = func(ev telemetry.Event) bool {
			return bySession(ev) && byLevel(ev)
		}
	}
	r.tel.Events.Subscribe(func(ev telemetry.Event) {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Type, ev.Message)
	}, filter)
}

func (r *runtime) Close(ctx context.Context) {
	if err := r.led.Close(); err != nil {
		r.tel.Logger.Warn().Err(err).Msg("ledger close failed")
	}
	if err := r.tel.Shutdown(ctx); err != nil {
		r.tel.Logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}

// requireSession enforces the --session flag for session-scoped commands.
func requireSession() (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("a session is required, pass --session")
	}
	return sessionID, nil
}
