// Package config defines all configuration for the market data and decision
// engine. Config is loaded from a YAML file (such as configs/config.yaml)
// with fields overridable via MARKETFLOW_* environment variables. Without a
// file, Default() applies as is.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Feed         FeedConfig         `mapstructure:"feed"`
	AutoScale    AutoScaleConfig    `mapstructure:"auto_scale"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig configures the broadcast/ops HTTP server.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	WebSocketPath string `mapstructure:"websocket_path"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// ExchangeConfig holds exchange endpoints.
type ExchangeConfig struct {
	RESTBaseURL       string `mapstructure:"rest_base_url"`
	WSBaseURL         string `mapstructure:"ws_base_url"`
	ExchangeInfoTTLMs int64  `mapstructure:"exchange_info_ttl_ms"`
	RequestTimeoutMs  int64  `mapstructure:"request_timeout_ms"`
}

// FeedConfig tunes snapshot/diff reconciliation and the liveness watchdog.
//
//   - SnapshotMinIntervalMs: lower bound on per-symbol snapshot attempts.
//   - DepthQueueMax / DepthLagMaxMs: per-symbol depth buffer bound and maximum
//     tolerated receipt lag before a forced resync.
//   - LiveSnapshotFreshMs / MinResyncIntervalMs / GracePeriodMs: watchdog tuning.
//   - DepthLevels / DepthStreamMode / WSUpdateSpeed: stream shape.
type FeedConfig struct {
	SnapshotMinIntervalMs int64  `mapstructure:"snapshot_min_interval_ms"`
	MaxBackoffMs          int64  `mapstructure:"max_backoff_ms"`
	DepthQueueMax         int    `mapstructure:"depth_queue_max"`
	DepthLagMaxMs         int64  `mapstructure:"depth_lag_max_ms"`
	LiveSnapshotFreshMs   int64  `mapstructure:"live_snapshot_fresh_ms"`
	MinResyncIntervalMs   int64  `mapstructure:"min_resync_interval_ms"`
	GracePeriodMs         int64  `mapstructure:"grace_period_ms"`
	DepthLevels           int    `mapstructure:"depth_levels"`
	DepthStreamMode       string `mapstructure:"depth_stream_mode"` // "diff" or "partial"
	WSUpdateSpeed         string `mapstructure:"ws_update_speed"`   // "100ms", "250ms", "500ms"
	EventQueueMax         int    `mapstructure:"event_queue_max"`
	SnapshotWorkers       int    `mapstructure:"snapshot_workers"`
	BackfillBars1m        int    `mapstructure:"backfill_bars_1m"`
}

// AutoScaleConfig tunes the subscription auto-scaler.
type AutoScaleConfig struct {
	MinSymbols  int     `mapstructure:"min_symbols"`
	MaxSymbols  int     `mapstructure:"max_symbols"`
	LiveDownPct float64 `mapstructure:"live_down_pct"`
	LiveUpPct   float64 `mapstructure:"live_up_pct"`
	HoldMs      int64   `mapstructure:"hold_ms"`
}

// OrchestratorConfig holds the evaluation cadence and operational overrides;
// the gate/threshold knobs live in the orchestrator package's params struct
// and are unmarshalled from the "orchestrator.params" subtree.
type OrchestratorConfig struct {
	EvalMinIntervalMs int64                  `mapstructure:"eval_min_interval_ms"`
	KillSwitch        bool                   `mapstructure:"kill_switch"`
	ExecutionEnabled  bool                   `mapstructure:"execution_enabled"`
	Params            map[string]interface{} `mapstructure:"params"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8090,
			WebSocketPath: "/ws",
			EnableMetrics: true,
		},
		Exchange: ExchangeConfig{
			RESTBaseURL:       "https://fapi.binance.com",
			WSBaseURL:         "wss://fstream.binance.com",
			ExchangeInfoTTLMs: 10 * 60 * 1000,
			RequestTimeoutMs:  5000,
		},
		Feed: FeedConfig{
			SnapshotMinIntervalMs: 5000,
			MaxBackoffMs:          60_000,
			DepthQueueMax:         2000,
			DepthLagMaxMs:         15_000,
			LiveSnapshotFreshMs:   30_000,
			MinResyncIntervalMs:   10_000,
			GracePeriodMs:         10_000,
			DepthLevels:           1000,
			DepthStreamMode:       "diff",
			WSUpdateSpeed:         "100ms",
			EventQueueMax:         5000,
			SnapshotWorkers:       4,
			BackfillBars1m:        500,
		},
		AutoScale: AutoScaleConfig{
			MinSymbols:  5,
			MaxSymbols:  50,
			LiveDownPct: 0.80,
			LiveUpPct:   0.95,
			HoldMs:      5 * 60 * 1000,
		},
		Orchestrator: OrchestratorConfig{
			EvalMinIntervalMs: 250,
			KillSwitch:        false,
			ExecutionEnabled:  true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, applies MARKETFLOW_* environment
// overrides, and validates. Overrides apply only to keys present in the file;
// an empty path means defaults only, with no environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the feed cannot run with.
func (c *Config) Validate() error {
	if c.Exchange.RESTBaseURL == "" || c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange endpoints must be set")
	}
	switch c.Feed.DepthStreamMode {
	case "diff", "partial":
	default:
		return fmt.Errorf("feed.depth_stream_mode must be \"diff\" or \"partial\", got %q", c.Feed.DepthStreamMode)
	}
	switch c.Feed.WSUpdateSpeed {
	case "100ms", "250ms", "500ms":
	default:
		return fmt.Errorf("feed.ws_update_speed must be one of 100ms/250ms/500ms, got %q", c.Feed.WSUpdateSpeed)
	}
	if c.Feed.SnapshotMinIntervalMs <= 0 {
		return fmt.Errorf("feed.snapshot_min_interval_ms must be positive")
	}
	if c.AutoScale.MinSymbols <= 0 || c.AutoScale.MaxSymbols < c.AutoScale.MinSymbols {
		return fmt.Errorf("auto_scale symbol bounds invalid: min=%d max=%d",
			c.AutoScale.MinSymbols, c.AutoScale.MaxSymbols)
	}
	if c.AutoScale.LiveDownPct <= 0 || c.AutoScale.LiveUpPct <= c.AutoScale.LiveDownPct {
		return fmt.Errorf("auto_scale live thresholds invalid: down=%.2f up=%.2f",
			c.AutoScale.LiveDownPct, c.AutoScale.LiveUpPct)
	}
	return nil
}
