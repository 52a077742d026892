package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	StateStorage  StateStorage        `mapstructure:"state_storage"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Platforms     []PlatformEndpoint  `mapstructure:"platforms"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	CatalogFeed   CatalogFeedConfig   `mapstructure:"catalog_feed"`
}

type DatabaseConnection struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // mysql or badger
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For badger
	InMemory bool   `mapstructure:"in_memory"`
}

// Connection returns the MySQL connection settings of the state store.
func (s StateStorage) Connection() DatabaseConnection {
	return DatabaseConnection{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		Database: s.Database,
	}
}

type SyncConfig struct {
	Workers         int           `mapstructure:"workers"`
	PlatformTimeout time.Duration `mapstructure:"platform_timeout"`
	// CatalogEvents makes the orchestrator raise priceChange/lowStock itself.
	// Turned off automatically when the catalog feed is enabled.
	CatalogEvents bool `mapstructure:"catalog_events"`
	// CheckpointGrace is how long a cancelled or timed out platform task may
	// take to reach its next item checkpoint before it is abandoned.
	CheckpointGrace time.Duration `mapstructure:"checkpoint_grace"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PlatformEndpoint describes one REST connector target.
type PlatformEndpoint struct {
	ID            string        `mapstructure:"id"`
	Name          string        `mapstructure:"name"`
	Type          string        `mapstructure:"type"`
	BaseURL       string        `mapstructure:"base_url"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type NotificationsConfig struct {
	EmailWebhook  string  `mapstructure:"email_webhook"`
	SMSWebhook    string  `mapstructure:"sms_webhook"`
	PushWebhook   string  `mapstructure:"push_webhook"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	InboxSize     int     `mapstructure:"inbox_size"`
}

type CatalogFeedConfig struct {
	Enabled  bool               `mapstructure:"enabled"`
	Source   DatabaseConnection `mapstructure:"source"`
	Table    string             `mapstructure:"table"`
	ServerID uint32             `mapstructure:"server_id"`
}

// LoadConfig reads path (if present), applies defaults and CATSYNC_* environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.CatalogFeed.Enabled {
		cfg.Sync.CatalogEvents = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "badger")
	v.SetDefault("state_storage.file_path", "./data")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.platform_timeout", 60*time.Second)
	v.SetDefault("sync.catalog_events", true)
	v.SetDefault("sync.checkpoint_grace", 2*time.Second)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("notifications.rate_per_second", 5.0)
	v.SetDefault("notifications.inbox_size", 100)
	v.SetDefault("catalog_feed.table", "products")
	v.SetDefault("catalog_feed.server_id", 101)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "mysql", "badger":
	default:
		return fmt.Errorf("config: unknown state_storage.type %q", c.StateStorage.Type)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("config: sync.workers must be positive")
	}
	if c.Sync.PlatformTimeout <= 0 {
		return fmt.Errorf("config: sync.platform_timeout must be positive")
	}
	seen := make(map[string]bool)
	for _, p := range c.Platforms {
		if p.ID == "" || p.BaseURL == "" {
			return fmt.Errorf("config: platform entries need id and base_url")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate platform %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
