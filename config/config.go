package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DhanConfig     DhanConfig     `json:"dhan"`
	TradingConfig  TradingConfig  `json:"trading"`
	RiskConfig     RiskConfig     `json:"risk"`
	FeedConfig     FeedConfig     `json:"feed"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// DhanConfig holds broker API credentials and endpoints
type DhanConfig struct {
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id"`
	BaseURL     string `json:"base_url"`
	PaperMode   bool   `json:"paper_mode"` // Simulate fills locally instead of placing real orders
}

type TradingConfig struct {
	Symbols           []string `json:"symbols"`            // Instruments the engine watches
	TickSize          float64  `json:"tick_size"`          // Price increment for the exchange
	CandleRetention   int      `json:"candle_retention"`   // Completed candles kept per timeframe
	PaperBalance      float64  `json:"paper_balance"`      // Starting balance in paper mode
	ReconcileInterval int      `json:"reconcile_interval"` // Seconds between broker reconciliation sweeps
	Timezone          string   `json:"timezone"`           // Exchange timezone for session times
}

type RiskConfig struct {
	RiskFraction  float64           `json:"risk_fraction"`   // Fraction of balance risked per trade
	MaxStopFrac   float64           `json:"max_stop_frac"`   // Reject stops wider than this fraction of entry
	LotSize       int               `json:"lot_size"`        // Units per lot
	Milestones    []MilestoneConfig `json:"milestones"`      // Target escalation schedule, ascending move_frac
	OrderCooldown string            `json:"order_cooldown"`  // Minimum interval between entries, e.g. "30s"
	TrailSwitchR  float64           `json:"trail_switch_r"`  // Profit in R where trailing moves to 1m swings
	SessionCutoff string            `json:"session_cutoff"`  // "HH:MM" wall clock for forced end-of-day exit
}

// MilestoneConfig is one step of the target escalation schedule.
type MilestoneConfig struct {
	MoveFrac   float64 `json:"move_frac"`   // Favorable move, as a fraction of initial risk
	RewardRisk float64 `json:"reward_risk"` // New target distance, as a multiple of initial risk
}

type FeedConfig struct {
	WebsocketURL     string `json:"websocket_url"`
	ReconnectDelay   int    `json:"reconnect_delay"`   // Seconds between reconnect attempts
	PingInterval     int    `json:"ping_interval"`     // Seconds between keepalive pings
	BootstrapMinutes int    `json:"bootstrap_minutes"` // Minutes of historical 1m candles to seed at startup, 0 to start cold
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// ConnString builds the pgx connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig holds Redis configuration for position snapshots
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Environment variable overrides take precedence
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if len(c.TradingConfig.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one instrument")
	}
	if c.TradingConfig.TickSize <= 0 {
		return fmt.Errorf("trading.tick_size must be positive, got %v", c.TradingConfig.TickSize)
	}
	if c.RiskConfig.RiskFraction <= 0 || c.RiskConfig.RiskFraction >= 1 {
		return fmt.Errorf("risk.risk_fraction must be in (0, 1), got %v", c.RiskConfig.RiskFraction)
	}
	if c.RiskConfig.LotSize <= 0 {
		return fmt.Errorf("risk.lot_size must be positive, got %d", c.RiskConfig.LotSize)
	}
	var prev float64
	for i, m := range c.RiskConfig.Milestones {
		if m.MoveFrac <= prev {
			return fmt.Errorf("risk.milestones[%d].move_frac must be ascending", i)
		}
		prev = m.MoveFrac
	}
	if c.RiskConfig.SessionCutoff != "" {
		if _, err := ParseClock(c.RiskConfig.SessionCutoff); err != nil {
			return fmt.Errorf("risk.session_cutoff: %w", err)
		}
	}
	if !c.DhanConfig.PaperMode && (c.DhanConfig.AccessToken == "" || c.DhanConfig.ClientID == "") {
		return fmt.Errorf("dhan.access_token and dhan.client_id are required outside paper mode")
	}
	return nil
}

// OrderCooldownDuration parses the cooldown, defaulting to 30 seconds.
func (c *Config) OrderCooldownDuration() time.Duration {
	if c.RiskConfig.OrderCooldown == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.RiskConfig.OrderCooldown)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// SessionCutoffOffset parses the "HH:MM" cutoff to an offset from midnight.
// A zero return means no cutoff.
func (c *Config) SessionCutoffOffset() time.Duration {
	if c.RiskConfig.SessionCutoff == "" {
		return 0
	}
	d, err := ParseClock(c.RiskConfig.SessionCutoff)
	if err != nil {
		return 0
	}
	return d
}

// SessionLocation resolves the configured exchange timezone, falling back
// to a fixed IST zone when the tz database is unavailable.
func (c *Config) SessionLocation() *time.Location {
	name := c.TradingConfig.Timezone
	if name == "" {
		name = "Asia/Kolkata"
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone("IST", 5*3600+1800)
}

// ParseClock converts "HH:MM" wall-clock time to an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Broker credentials come from the environment in deployment; the file keeps
// everything else.
func applyEnvOverrides(cfg *Config) {
	// Dhan config
	cfg.DhanConfig.AccessToken = getEnvOrDefault("DHAN_ACCESS_TOKEN", cfg.DhanConfig.AccessToken)
	cfg.DhanConfig.ClientID = getEnvOrDefault("DHAN_CLIENT_ID", cfg.DhanConfig.ClientID)
	cfg.DhanConfig.BaseURL = getEnvOrDefault("DHAN_BASE_URL", cfg.DhanConfig.BaseURL)
	if cfg.DhanConfig.BaseURL == "" {
		cfg.DhanConfig.BaseURL = "https://api.dhan.co"
	}
	if v := os.Getenv("PAPER_MODE"); v != "" {
		cfg.DhanConfig.PaperMode = v == "true"
	}

	// Trading config
	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		cfg.TradingConfig.Symbols = splitCSV(v)
	}
	cfg.TradingConfig.TickSize = getEnvFloatOrDefault("TRADING_TICK_SIZE", defaultFloat(cfg.TradingConfig.TickSize, 0.05))
	cfg.TradingConfig.CandleRetention = getEnvIntOrDefault("TRADING_CANDLE_RETENTION", defaultInt(cfg.TradingConfig.CandleRetention, 500))
	cfg.TradingConfig.PaperBalance = getEnvFloatOrDefault("TRADING_PAPER_BALANCE", defaultFloat(cfg.TradingConfig.PaperBalance, 500000))
	cfg.TradingConfig.ReconcileInterval = getEnvIntOrDefault("TRADING_RECONCILE_INTERVAL", defaultInt(cfg.TradingConfig.ReconcileInterval, 30))
	cfg.TradingConfig.Timezone = getEnvOrDefault("TRADING_TIMEZONE", defaultString(cfg.TradingConfig.Timezone, "Asia/Kolkata"))

	// Risk config
	cfg.RiskConfig.RiskFraction = getEnvFloatOrDefault("RISK_FRACTION", defaultFloat(cfg.RiskConfig.RiskFraction, 0.01))
	cfg.RiskConfig.MaxStopFrac = getEnvFloatOrDefault("RISK_MAX_STOP_FRAC", defaultFloat(cfg.RiskConfig.MaxStopFrac, 0.15))
	cfg.RiskConfig.LotSize = getEnvIntOrDefault("RISK_LOT_SIZE", defaultInt(cfg.RiskConfig.LotSize, 75))
	cfg.RiskConfig.OrderCooldown = getEnvOrDefault("RISK_ORDER_COOLDOWN", cfg.RiskConfig.OrderCooldown)
	cfg.RiskConfig.TrailSwitchR = getEnvFloatOrDefault("RISK_TRAIL_SWITCH_R", defaultFloat(cfg.RiskConfig.TrailSwitchR, 1.5))
	cfg.RiskConfig.SessionCutoff = getEnvOrDefault("RISK_SESSION_CUTOFF", cfg.RiskConfig.SessionCutoff)
	if len(cfg.RiskConfig.Milestones) == 0 {
		cfg.RiskConfig.Milestones = []MilestoneConfig{
			{MoveFrac: 0.5, RewardRisk: 2.0},
			{MoveFrac: 1.0, RewardRisk: 4.0},
		}
	}

	// Feed config
	cfg.FeedConfig.WebsocketURL = getEnvOrDefault("FEED_WEBSOCKET_URL", cfg.FeedConfig.WebsocketURL)
	cfg.FeedConfig.ReconnectDelay = getEnvIntOrDefault("FEED_RECONNECT_DELAY", defaultInt(cfg.FeedConfig.ReconnectDelay, 5))
	cfg.FeedConfig.PingInterval = getEnvIntOrDefault("FEED_PING_INTERVAL", defaultInt(cfg.FeedConfig.PingInterval, 20))
	cfg.FeedConfig.BootstrapMinutes = getEnvIntOrDefault("FEED_BOOTSTRAP_MINUTES", defaultInt(cfg.FeedConfig.BootstrapMinutes, 180))

	// Database config
	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "trading_bot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	} else if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.JSONFormat = true
	}
	if v := os.Getenv("LOG_INCLUDE_FILE"); v != "" {
		cfg.LoggingConfig.IncludeFile = v == "true"
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		DhanConfig: DhanConfig{
			AccessToken: "your_access_token_here",
			ClientID:    "your_client_id_here",
			BaseURL:     "https://api.dhan.co",
			PaperMode:   true,
		},
		TradingConfig: TradingConfig{
			Symbols:           []string{"NIFTY25SEP24800CE", "BANKNIFTY25SEP52000CE"},
			TickSize:          0.05,
			CandleRetention:   500,
			PaperBalance:      500000,
			ReconcileInterval: 30,
			Timezone:          "Asia/Kolkata",
		},
		RiskConfig: RiskConfig{
			RiskFraction: 0.01,
			MaxStopFrac:  0.15,
			LotSize:      75,
			Milestones: []MilestoneConfig{
				{MoveFrac: 0.5, RewardRisk: 2.0},
				{MoveFrac: 1.0, RewardRisk: 4.0},
			},
			OrderCooldown: "30s",
			TrailSwitchR:  1.5,
			SessionCutoff: "15:15",
		},
		FeedConfig: FeedConfig{
			WebsocketURL:     "wss://api-feed.dhan.co",
			ReconnectDelay:   5,
			PingInterval:     20,
			BootstrapMinutes: 180,
		},
		DatabaseConfig: DatabaseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "trading_bot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			AllowedOrigins: "*",
			ReadTimeout:    30,
			WriteTimeout:   30,
		},
		LoggingConfig: LoggingConfig{
			Level:       "INFO",
			Output:      "stdout",
			JSONFormat:  true,
			IncludeFile: false,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
