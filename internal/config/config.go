package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
//
// Values come from, in order of precedence: environment variables prefixed
// with ENDER_ (ENDER_SERVER_PORT, ENDER_PATHS_INSTANCES_ROOT, ...), the
// optional YAML file passed to Load, and the defaults in defaults.go.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	RCON      RCONConfig      `mapstructure:"rcon"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Offsite   OffsiteConfig   `mapstructure:"offsite"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
}

// PathsConfig locates everything the panel reads from or writes to disk.
type PathsConfig struct {
	// InstancesRoot holds one directory per instance, named by instance ID.
	InstancesRoot string `mapstructure:"instances_root" validate:"required"`
	PluginsDir    string `mapstructure:"plugins_dir" validate:"required"`
	RoutesDir     string `mapstructure:"routes_dir" validate:"required"`
	ViewsDir      string `mapstructure:"views_dir" validate:"required"`
	// TempDir receives archives while they are streamed to a client.
	TempDir string `mapstructure:"temp_dir" validate:"required"`
	// UploadDir receives uploaded archives while they are restored.
	UploadDir    string `mapstructure:"upload_dir" validate:"required"`
	DatabasePath string `mapstructure:"database_path" validate:"required"`
}

// BackupConfig tunes archive creation and restoration.
type BackupConfig struct {
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes" validate:"gte=0"`
	MaxEntryBytes    int64         `mapstructure:"max_entry_bytes" validate:"gte=0"`
	MaxEntries       int           `mapstructure:"max_entries" validate:"gte=0"`
	MinFreeBytes     uint64        `mapstructure:"min_free_bytes"`
	CompressionLevel int           `mapstructure:"compression_level" validate:"gte=-2,lte=9"`
	JanitorSchedule  string        `mapstructure:"janitor_schedule" validate:"required"`
	StaleAfter       time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

// AuthConfig enables JWT protection of the dispatch table when Secret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RateLimitConfig applies to mutating requests, per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// RCONConfig controls world quiescing before a backup. The port and password
// are read from each instance's server.properties.
type RCONConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host" validate:"required_if=Enabled true"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// DockerConfig controls stopping instance containers around a restore.
type DockerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ContainerPrefix is prepended to the instance ID to form the container name.
	ContainerPrefix string `mapstructure:"container_prefix"`
}

// OffsiteConfig controls copying fresh archives to S3.
type OffsiteConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Bucket   string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load loads configuration from the environment, an optional YAML file and defaults.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
