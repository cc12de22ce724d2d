package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Risk    RiskConfig    `yaml:"risk"`
	Venue   VenueConfig   `yaml:"venue"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Agents  []AgentConfig `yaml:"agents"`
}

// EngineConfig controls lifecycle timing and concurrency.
type EngineConfig struct {
	DiscoverIntervalSeconds int `yaml:"discover_interval_seconds"`
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"` // fill polling
	MonitorMinSeconds       int `yaml:"monitor_min_seconds"`   // adaptive tick floor
	MonitorMaxSeconds       int `yaml:"monitor_max_seconds"`   // adaptive tick ceiling
	EntryDeadlineSeconds    int `yaml:"entry_deadline_seconds"`
	ExitDeadlineSeconds     int `yaml:"exit_deadline_seconds"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"` // settlement reconciler

	MaxEntryAttempts     int     `yaml:"max_entry_attempts"`    // passive attempts before aggressive/abandon
	MaxVenueRetries      int     `yaml:"max_venue_retries"`     // transient submit errors per attempt
	WarnAfterSweeps      int     `yaml:"warn_after_sweeps"`     // reconciliation gap warning threshold
	ResolutionCheckTicks int     `yaml:"resolution_check_ticks"` // resolution poll every N monitor ticks
	MaxConcurrent        int     `yaml:"max_concurrent"`        // global active position cap
	HardStopFraction     float64 `yaml:"hard_stop_fraction"`    // unrealized loss / cost basis forcing exit
	AggressiveCross      float64 `yaml:"aggressive_cross"`      // price crossing applied to taker orders
	RepriceTick          float64 `yaml:"reprice_tick"`          // entry reprice step toward the market
	VolatilityThreshold  float64 `yaml:"volatility_threshold"`  // price delta that tightens the monitor tick
}

// RiskConfig controls the risk gate and exposure caps. Caps are USDC.
type RiskConfig struct {
	GlobalExposureCap   float64 `yaml:"global_exposure_cap"`
	AgentExposureCap    float64 `yaml:"agent_exposure_cap"` // 0 disables
	LossStreakThreshold int     `yaml:"loss_streak_threshold"`
	LossStreakFactor    float64 `yaml:"loss_streak_factor"`
	MinOrderSize        float64 `yaml:"min_order_size"` // shares
}

// VenueConfig points at the execution venue.
type VenueConfig struct {
	BaseURL string `yaml:"base_url"`
}

// StorageConfig controls where the ledger lives.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig controls log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// AgentConfig declares one trading agent and its strategy binding.
type AgentConfig struct {
	ID           string  `yaml:"id"`
	Strategy     string  `yaml:"strategy"`
	MaxPositions int     `yaml:"max_positions"`
	TargetSize   float64 `yaml:"target_size"`   // shares per candidate
	MaxEntry     float64 `yaml:"max_entry"`     // threshold strategy: max entry price
	TakeProfit   float64 `yaml:"take_profit"`   // threshold strategy: exit gain per share
	Paused       bool    `yaml:"paused"`
}

// Load reads the YAML config and applies .env overrides and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) DiscoverInterval() time.Duration {
	return time.Duration(c.Engine.DiscoverIntervalSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalSeconds) * time.Second
}

func (c *Config) MonitorMin() time.Duration {
	return time.Duration(c.Engine.MonitorMinSeconds) * time.Second
}

func (c *Config) MonitorMax() time.Duration {
	return time.Duration(c.Engine.MonitorMaxSeconds) * time.Second
}

func (c *Config) EntryDeadline() time.Duration {
	return time.Duration(c.Engine.EntryDeadlineSeconds) * time.Second
}

func (c *Config) ExitDeadline() time.Duration {
	return time.Duration(c.Engine.ExitDeadlineSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepIntervalSeconds) * time.Second
}

func (c *Config) validate() error {
	if c.Risk.GlobalExposureCap <= 0 {
		return fmt.Errorf("risk.global_exposure_cap must be positive")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// applyEnvOverrides overrides values from environment variables if present.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("VENUE_BASE_URL"); v != "" {
		cfg.Venue.BaseURL = v
	}
	if v := os.Getenv("LEDGER_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

// setDefaults ensures required values have sensible defaults.
func setDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.DiscoverIntervalSeconds <= 0 {
		e.DiscoverIntervalSeconds = 30
	}
	if e.PollIntervalSeconds <= 0 {
		e.PollIntervalSeconds = 2
	}
	if e.MonitorMinSeconds <= 0 {
		e.MonitorMinSeconds = 5
	}
	if e.MonitorMaxSeconds <= 0 {
		e.MonitorMaxSeconds = 60
	}
	if e.MonitorMaxSeconds < e.MonitorMinSeconds {
		e.MonitorMaxSeconds = e.MonitorMinSeconds
	}
	if e.EntryDeadlineSeconds <= 0 {
		e.EntryDeadlineSeconds = 60
	}
	if e.ExitDeadlineSeconds <= 0 {
		e.ExitDeadlineSeconds = 30
	}
	if e.SweepIntervalSeconds <= 0 {
		e.SweepIntervalSeconds = 60
	}
	if e.MaxEntryAttempts <= 0 {
		e.MaxEntryAttempts = 3
	}
	if e.MaxVenueRetries <= 0 {
		e.MaxVenueRetries = 3
	}
	if e.WarnAfterSweeps <= 0 {
		e.WarnAfterSweeps = 10
	}
	if e.ResolutionCheckTicks <= 0 {
		e.ResolutionCheckTicks = 5
	}
	if e.MaxConcurrent <= 0 {
		e.MaxConcurrent = 50
	}
	if e.HardStopFraction <= 0 {
		e.HardStopFraction = 0.30
	}
	if e.AggressiveCross <= 0 {
		e.AggressiveCross = 0.05
	}
	if e.RepriceTick <= 0 {
		e.RepriceTick = 0.01
	}
	if e.VolatilityThreshold <= 0 {
		e.VolatilityThreshold = 0.02
	}

	if cfg.Risk.LossStreakThreshold <= 0 {
		cfg.Risk.LossStreakThreshold = 3
	}
	if cfg.Risk.LossStreakFactor <= 0 {
		cfg.Risk.LossStreakFactor = 0.5
	}
	if cfg.Risk.MinOrderSize <= 0 {
		cfg.Risk.MinOrderSize = 1
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "predbot.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].MaxPositions <= 0 {
			cfg.Agents[i].MaxPositions = 10
		}
		if cfg.Agents[i].TargetSize <= 0 {
			cfg.Agents[i].TargetSize = 10
		}
	}
}
