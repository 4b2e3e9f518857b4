// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration. It is loaded from a YAML
// document with credentials overlaid from the environment (.env supported).
type Config struct {
	DataDir string `yaml:"data_dir"` // Base directory for databases and logs (always absolute)

	IBKR       IBKRConfig       `yaml:"ibkr"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Discord    DiscordConfig    `yaml:"discord"`
	Threads    ThreadsConfig    `yaml:"threads"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Monitoring MonitoringConfig `yaml:"position_monitoring"`
	Sizing     SizingConfig     `yaml:"position_sizing"`
	Regime     RegimeConfig     `yaml:"market_regime"`
	Logging    LoggingConfig    `yaml:"logging"`
	AdminHTTP  AdminHTTPConfig  `yaml:"admin_http"`
	Backup     BackupConfig     `yaml:"backup"`
	IPC        IPCConfig        `yaml:"ipc"`
}

// IBKRConfig holds gateway connection settings for the realtime/futures provider.
type IBKRConfig struct {
	Host         string          `yaml:"host"`
	Port         int             `yaml:"port"`
	ClientIDBase int             `yaml:"client_id_base"`
	Timeout      float64         `yaml:"timeout"` // seconds
	MaxRetries   int             `yaml:"max_retries"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls the gateway reconnection loop.
type ReconnectConfig struct {
	Enabled             bool    `yaml:"enabled"`
	InitialDelay        float64 `yaml:"initial_delay"`         // seconds
	MaxDelay            float64 `yaml:"max_delay"`             // seconds
	BackoffFactor       float64 `yaml:"backoff_factor"`
	MaxAttempts         int     `yaml:"max_attempts"` // 0 = unlimited
	HealthCheckInterval float64 `yaml:"health_check_interval"` // seconds
	GatewayRestartDelay float64 `yaml:"gateway_restart_delay"` // seconds
}

// MarketDataConfig holds the historical REST provider settings.
type MarketDataConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Timeout        float64 `yaml:"timeout"`          // seconds
	RateLimitDelay float64 `yaml:"rate_limit_delay"` // min seconds between calls
}

// DiscordConfig holds webhook sink settings, one URL per channel.
type DiscordConfig struct {
	Webhooks       map[string]string `yaml:"webhooks"` // channel name -> webhook URL
	DefaultWebhook string            `yaml:"default_webhook"`
	Enabled        bool              `yaml:"enabled"`
}

// ThreadsConfig holds worker poll intervals in seconds.
type ThreadsConfig struct {
	BreakoutInterval    int `yaml:"breakout_interval"`
	PositionInterval    int `yaml:"position_interval"`
	RegimeInterval      int `yaml:"regime_interval"`
	MaintenanceInterval int `yaml:"maintenance_interval"`
}

// Interval returns the named worker's poll period.
func (t ThreadsConfig) Interval(name string) time.Duration {
	switch name {
	case "breakout":
		return time.Duration(t.BreakoutInterval) * time.Second
	case "position":
		return time.Duration(t.PositionInterval) * time.Second
	case "regime":
		return time.Duration(t.RegimeInterval) * time.Second
	case "maintenance":
		return time.Duration(t.MaintenanceInterval) * time.Second
	}
	return time.Minute
}

// AlertsConfig holds alert pipeline settings.
type AlertsConfig struct {
	EnableCooldown    bool              `yaml:"enable_cooldown"`
	CooldownMinutes   int               `yaml:"cooldown_minutes"`
	EnableSuppression bool              `yaml:"enable_suppression"`
	Suppressed        []string          `yaml:"suppressed"`     // globally suppressed subtypes
	AlertRouting      map[string]string `yaml:"alert_routing"`  // alert type -> channel
}

// MonitoringConfig holds per-checker thresholds for the position monitor.
type MonitoringConfig struct {
	StopLoss struct {
		WarningBufferPct float64 `yaml:"warning_buffer_pct"`
	} `yaml:"stop_loss"`
	TrailingStop struct {
		ActivationPct float64 `yaml:"activation_pct"`
		TrailPct      float64 `yaml:"trail_pct"`
	} `yaml:"trailing_stop"`
	EightWeekHold struct {
		GainThresholdPct  float64 `yaml:"gain_threshold_pct"`
		TriggerWindowDays int     `yaml:"trigger_window_days"`
		HoldWeeks         int     `yaml:"hold_weeks"`
	} `yaml:"eight_week_hold"`
	TakeProfit struct {
		TP1Pct float64 `yaml:"tp1_pct"`
		TP2Pct float64 `yaml:"tp2_pct"`
	} `yaml:"take_profit"`
	Pyramid struct {
		MinBarsSinceEntry   int     `yaml:"min_bars_since_entry"`
		PullbackEMATolerance float64 `yaml:"pullback_ema_tolerance"`
	} `yaml:"pyramid"`
	Technical struct {
		MA50WarningPct     float64 `yaml:"ma_50_warning_pct"`
		MA50VolumeConfirm  float64 `yaml:"ma_50_volume_confirm"`
		EMA21ConsecutiveDays int   `yaml:"ema_21_consecutive_days"`
	} `yaml:"technical"`
	ClimaxTop struct {
		VolumeThreshold float64 `yaml:"volume_threshold"`
		SpreadPct       float64 `yaml:"spread_pct"`
		GapPct          float64 `yaml:"gap_pct"`
		MinGainPct      float64 `yaml:"min_gain_pct"`
	} `yaml:"climax_top"`
	Health struct {
		TimeThresholdDays int     `yaml:"time_threshold_days"`
		DeepBaseThreshold float64 `yaml:"deep_base_threshold"`
	} `yaml:"health"`
	Earnings struct {
		WarningDays       int     `yaml:"warning_days"`
		CriticalDays      int     `yaml:"critical_days"`
		NegativeThreshold float64 `yaml:"negative_threshold"`
		ReduceThreshold   float64 `yaml:"reduce_threshold"`
	} `yaml:"earnings"`
	Extended struct {
		WarningPct float64 `yaml:"warning_pct"`
		DangerPct  float64 `yaml:"danger_pct"`
	} `yaml:"extended"`
	Reentry struct {
		EMABounceTolerance float64 `yaml:"ema_bounce_tolerance"`
		SMABounceVolume    float64 `yaml:"sma_bounce_volume"`
		PivotTolerance     float64 `yaml:"pivot_tolerance"`
	} `yaml:"reentry"`
	AltEntry struct {
		ExtendedPct      float64 `yaml:"extended_pct"`
		MarkerExpiryDays int     `yaml:"marker_expiry_days"`
		MATolerance      float64 `yaml:"ma_tolerance"`
		MinVolumeRatio   float64 `yaml:"min_volume_ratio"`
	} `yaml:"alt_entry"`
	Cooldowns map[string]int `yaml:"cooldowns"` // subtype -> minutes, overrides the default
}

// SizingConfig holds position sizing parameters.
type SizingConfig struct {
	PortfolioValue float64 `yaml:"portfolio_value"`
	AccountRiskPct float64 `yaml:"account_risk_pct"`
	MaxPositionPct float64 `yaml:"max_position_pct"`
	InitialPct     float64 `yaml:"initial_pct"`
	Pyramid1Pct    float64 `yaml:"pyramid1_pct"`
	Pyramid2Pct    float64 `yaml:"pyramid2_pct"`
}

// RegimeConfig holds regime scoring weights and thresholds.
type RegimeConfig struct {
	FTDThresholdPct    float64 `yaml:"ftd_threshold_pct"`    // min up move for a follow-through day
	DDayDeclinePct     float64 `yaml:"d_day_decline_pct"`    // min decline for a distribution day
	DDayWindowDays     int     `yaml:"d_day_window_days"`    // rolling window in trading days
	WeightDDays        float64 `yaml:"weight_d_days"`
	WeightFTD          float64 `yaml:"weight_ftd"`
	WeightTrend        float64 `yaml:"weight_trend"`
	WeightFutures      float64 `yaml:"weight_futures"`
	BullishThreshold   float64 `yaml:"bullish_threshold"`
	BearishThreshold   float64 `yaml:"bearish_threshold"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	BaseDir       string `yaml:"base_dir"`
	ConsoleLevel  string `yaml:"console_level"`
	RetentionDays int    `yaml:"retention_days"`
	Pretty        bool   `yaml:"pretty"`
}

// AdminHTTPConfig holds the read-only admin API settings.
type AdminHTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// BackupConfig holds S3/R2 backup settings. Disabled unless configured.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	AccessKeyEnv  string `yaml:"access_key_env"`  // env var holding the access key id
	SecretKeyEnv  string `yaml:"secret_key_env"`  // env var holding the secret key
	RetentionDays int    `yaml:"retention_days"`
}

// IPCConfig holds the local command socket settings.
type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// Load reads the YAML config at path, applies defaults, overlays credentials
// from the environment, and validates. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	// Always resolve the data directory to an absolute path and ensure it exists.
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a config populated with every default value.
func Defaults() *Config {
	cfg := &Config{
		DataDir: "./data",
		IBKR: IBKRConfig{
			Host:         "127.0.0.1",
			Port:         7497,
			ClientIDBase: 10,
			Timeout:      10,
			MaxRetries:   3,
			Reconnect: ReconnectConfig{
				Enabled:             true,
				InitialDelay:        5,
				MaxDelay:            300,
				BackoffFactor:       2,
				MaxAttempts:         0, // unlimited
				HealthCheckInterval: 60,
				GatewayRestartDelay: 120,
			},
		},
		MarketData: MarketDataConfig{
			BaseURL:        "https://api.polygon.io",
			Timeout:        15,
			RateLimitDelay: 12, // free tier: 5 calls/min
		},
		Discord: DiscordConfig{
			Webhooks: map[string]string{},
			Enabled:  true,
		},
		Threads: ThreadsConfig{
			BreakoutInterval:    60,
			PositionInterval:    30,
			RegimeInterval:      300,
			MaintenanceInterval: 300,
		},
		Alerts: AlertsConfig{
			EnableCooldown:    true,
			CooldownMinutes:   60,
			EnableSuppression: false,
			AlertRouting:      map[string]string{},
		},
		Sizing: SizingConfig{
			PortfolioValue: 100000,
			AccountRiskPct: 1.0,
			MaxPositionPct: 25.0,
			InitialPct:     50.0,
			Pyramid1Pct:    30.0,
			Pyramid2Pct:    20.0,
		},
		Regime: RegimeConfig{
			FTDThresholdPct:  1.5,
			DDayDeclinePct:   0.2,
			DDayWindowDays:   25,
			WeightDDays:      0.5,
			WeightFTD:        0.4,
			WeightTrend:      0.4,
			WeightFutures:    0.2,
			BullishThreshold: 0.5,
			BearishThreshold: -0.5,
		},
		Logging: LoggingConfig{
			ConsoleLevel:  "info",
			RetentionDays: 14,
			Pretty:        true,
		},
		AdminHTTP: AdminHTTPConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8742",
		},
		Backup: BackupConfig{
			AccessKeyEnv:  "VIGIL_BACKUP_ACCESS_KEY",
			SecretKeyEnv:  "VIGIL_BACKUP_SECRET_KEY",
			RetentionDays: 14,
		},
		IPC: IPCConfig{},
	}

	m := &cfg.Monitoring
	m.StopLoss.WarningBufferPct = 2.0
	m.TrailingStop.ActivationPct = 15.0
	m.TrailingStop.TrailPct = 8.0
	m.EightWeekHold.GainThresholdPct = 20.0
	m.EightWeekHold.TriggerWindowDays = 21
	m.EightWeekHold.HoldWeeks = 8
	m.TakeProfit.TP1Pct = 20.0
	m.TakeProfit.TP2Pct = 25.0
	m.Pyramid.MinBarsSinceEntry = 2
	m.Pyramid.PullbackEMATolerance = 1.0
	m.Technical.MA50WarningPct = 2.0
	m.Technical.MA50VolumeConfirm = 1.5
	m.Technical.EMA21ConsecutiveDays = 2
	m.ClimaxTop.VolumeThreshold = 2.5
	m.ClimaxTop.SpreadPct = 4.0
	m.ClimaxTop.GapPct = 2.0
	m.ClimaxTop.MinGainPct = 15.0
	m.Health.TimeThresholdDays = 30
	m.Health.DeepBaseThreshold = 25.0
	m.Earnings.WarningDays = 14
	m.Earnings.CriticalDays = 5
	m.Earnings.NegativeThreshold = -3.0
	m.Earnings.ReduceThreshold = 3.0
	m.Extended.WarningPct = 5.0
	m.Extended.DangerPct = 10.0
	m.Reentry.EMABounceTolerance = 1.0
	m.Reentry.SMABounceVolume = 1.3
	m.Reentry.PivotTolerance = 2.0
	m.AltEntry.ExtendedPct = 5.0
	m.AltEntry.MarkerExpiryDays = 30
	m.AltEntry.MATolerance = 1.5
	m.AltEntry.MinVolumeRatio = 1.0
	m.Cooldowns = map[string]int{}

	return cfg
}

// applyEnvOverrides overlays credentials and operational knobs that are
// never stored in the YAML document.
func (c *Config) applyEnvOverrides() {
	if v := getEnv("VIGIL_DATA_DIR", ""); v != "" {
		c.DataDir = v
	}
	if v := getEnv("POLYGON_API_KEY", ""); v != "" {
		c.MarketData.APIKey = v
	}
	if v := getEnv("VIGIL_LOG_LEVEL", ""); v != "" {
		c.Logging.ConsoleLevel = v
	}
	if v := getEnvAsInt("IBKR_PORT", 0); v != 0 {
		c.IBKR.Port = v
	}
	if v := getEnv("IBKR_HOST", ""); v != "" {
		c.IBKR.Host = v
	}
	if v := getEnv("DISCORD_DEFAULT_WEBHOOK", ""); v != "" {
		c.Discord.DefaultWebhook = v
	}
}

// Validate checks the configuration for fatal mistakes. Credentials are
// optional (providers without keys run degraded or disabled).
func (c *Config) Validate() error {
	if c.Threads.BreakoutInterval <= 0 || c.Threads.PositionInterval <= 0 ||
		c.Threads.RegimeInterval <= 0 || c.Threads.MaintenanceInterval <= 0 {
		return fmt.Errorf("thread intervals must be positive")
	}
	if c.Alerts.CooldownMinutes < 0 {
		return fmt.Errorf("alerts.cooldown_minutes must not be negative")
	}
	if c.Regime.DDayWindowDays <= 0 {
		return fmt.Errorf("market_regime.d_day_window_days must be positive")
	}
	if c.Regime.BullishThreshold <= c.Regime.BearishThreshold {
		return fmt.Errorf("market_regime.bullish_threshold must exceed bearish_threshold")
	}
	if c.Sizing.PortfolioValue < 0 {
		return fmt.Errorf("position_sizing.portfolio_value must not be negative")
	}
	if c.Backup.Enabled && (c.Backup.Endpoint == "" || c.Backup.Bucket == "") {
		return fmt.Errorf("backup requires endpoint and bucket when enabled")
	}
	return nil
}

// SocketPath returns the IPC socket path, defaulting under the data dir.
func (c *Config) SocketPath() string {
	if c.IPC.SocketPath != "" {
		return c.IPC.SocketPath
	}
	return filepath.Join(c.DataDir, "vigil.sock")
}

// DatabasePath returns the path of the main SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "vigil.db")
}

// CachePath returns the path of the cache SQLite database.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// LogDir returns the log directory, defaulting under the data dir.
func (c *Config) LogDir() string {
	if c.Logging.BaseDir != "" {
		return c.Logging.BaseDir
	}
	return filepath.Join(c.DataDir, "logs")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
