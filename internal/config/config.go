package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the complete agent configuration
type Config struct {
	Household string `koanf:"household"`

	Identity IdentityConfig `koanf:"identity"`
	Redis    RedisConfig    `koanf:"redis"`
	ICE      ICEConfig      `koanf:"ice"`
	Room     RoomConfig     `koanf:"room"`
	Guard    GuardConfig    `koanf:"guard"`
	Watchdog WatchdogConfig `koanf:"watchdog"`
	Bridge   BridgeConfig   `koanf:"bridge"`
	History  HistoryConfig  `koanf:"history"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// IdentityConfig identifies this client on the household bus
type IdentityConfig struct {
	UserID      string `koanf:"user_id"`
	DisplayName string `koanf:"display_name"`
}

// RedisConfig holds the shared real-time store connection settings
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// ICEConfig holds STUN/TURN server configuration
type ICEConfig struct {
	STUNURLs []string   `koanf:"stun_urls"`
	Turn     TurnConfig `koanf:"turn"`
}

// TurnConfig holds TURN relay configuration. When Secret is set, ephemeral
// coturn-compatible credentials are derived; otherwise the static
// username/password pair is used as-is.
type TurnConfig struct {
	URLs       []string `koanf:"urls"`
	Secret     string   `koanf:"secret"`
	TTLSeconds int      `koanf:"ttl_seconds"`
	Username   string   `koanf:"username"`
	Password   string   `koanf:"password"`
}

// RoomConfig bounds room behavior
type RoomConfig struct {
	MaxParticipants int           `koanf:"max_participants"`
	LeaveTimeout    time.Duration `koanf:"leave_timeout"`
	PresenceTTL     time.Duration `koanf:"presence_ttl"`
}

// GuardConfig holds operation-guard throttle settings
type GuardConfig struct {
	MinInterval time.Duration `koanf:"min_interval"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// WatchdogConfig holds supervisor timeouts for long-running operations
type WatchdogConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	FirstNoticeAt time.Duration `koanf:"first_notice_at"`
	StallNoticeAt time.Duration `koanf:"stall_notice_at"`
}

// BridgeConfig holds the local UI bridge HTTP settings
type BridgeConfig struct {
	Port        int            `koanf:"port"`
	Bind        string         `koanf:"bind"`
	CORSOrigins []string       `koanf:"cors_origins"`
	Token       APITokenConfig `koanf:"token"`
}

// APITokenConfig holds the bridge access token hash
type APITokenConfig struct {
	Hash      string `koanf:"hash"`
	CreatedAt string `koanf:"created_at"`
}

// HistoryConfig holds the local call-history database settings
type HistoryConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load loads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional fields
func applyDefaults(cfg *Config) {
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}

	if len(cfg.ICE.STUNURLs) == 0 {
		cfg.ICE.STUNURLs = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.ICE.Turn.TTLSeconds == 0 {
		cfg.ICE.Turn.TTLSeconds = 86400
	}

	if cfg.Room.MaxParticipants == 0 {
		cfg.Room.MaxParticipants = 6
	}
	if cfg.Room.LeaveTimeout == 0 {
		cfg.Room.LeaveTimeout = 3 * time.Second
	}
	if cfg.Room.PresenceTTL == 0 {
		cfg.Room.PresenceTTL = 45 * time.Second
	}

	if cfg.Guard.MinInterval == 0 {
		cfg.Guard.MinInterval = 2 * time.Second
	}
	if cfg.Guard.MaxAttempts == 0 {
		cfg.Guard.MaxAttempts = 5
	}

	if cfg.Watchdog.Timeout == 0 {
		cfg.Watchdog.Timeout = 30 * time.Second
	}
	if cfg.Watchdog.FirstNoticeAt == 0 {
		cfg.Watchdog.FirstNoticeAt = 5 * time.Second
	}
	if cfg.Watchdog.StallNoticeAt == 0 {
		cfg.Watchdog.StallNoticeAt = 15 * time.Second
	}

	if cfg.Bridge.Port == 0 {
		cfg.Bridge.Port = 7350
	}
	if cfg.Bridge.Bind == "" {
		cfg.Bridge.Bind = "127.0.0.1"
	}

	if cfg.History.Path == "" {
		cfg.History.Path = "data/history.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// validate checks the configuration for required fields and consistency
func validate(cfg *Config) error {
	if cfg.Household == "" {
		return fmt.Errorf("household is required")
	}

	if cfg.Identity.UserID == "" {
		return fmt.Errorf("identity.user_id is required")
	}
	if cfg.Identity.DisplayName == "" {
		cfg.Identity.DisplayName = cfg.Identity.UserID
	}

	if len(cfg.ICE.Turn.URLs) > 0 {
		hasSecret := cfg.ICE.Turn.Secret != ""
		hasStatic := cfg.ICE.Turn.Username != "" && cfg.ICE.Turn.Password != ""
		if !hasSecret && !hasStatic {
			return fmt.Errorf("turn urls configured without secret or static credentials")
		}
	}

	if cfg.Room.MaxParticipants < 2 {
		return fmt.Errorf("room.max_participants must be at least 2 (mesh needs two ends)")
	}

	if cfg.Watchdog.Timeout <= cfg.Watchdog.StallNoticeAt {
		return fmt.Errorf("watchdog.timeout must exceed watchdog.stall_notice_at")
	}

	return nil
}
