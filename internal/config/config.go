package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete service configuration.
type Config struct {
	Lookup     LookupConfig     `mapstructure:"callsign-lookup"`
	Site       SiteConfig       `mapstructure:"site"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// LookupConfig holds the resolver and cache configuration.
type LookupConfig struct {
	UseULS   bool `mapstructure:"use-uls"`
	UseQRZ   bool `mapstructure:"use-qrz"`
	UseCache bool `mapstructure:"use-cache"`
	UseGNIS  bool `mapstructure:"use-gnis"`

	CacheDB                 string `mapstructure:"cache-db"`
	CacheExpiry             string `mapstructure:"cache-expiry"`
	CacheKeepStaleIfOffline bool   `mapstructure:"cache-keep-stale-if-offline"`

	RespawnAfterRequests int    `mapstructure:"respawn-after-requests"`
	RetryDelay           string `mapstructure:"retry-delay"`

	ULSDB string `mapstructure:"uls-db"`

	QRZUsername string `mapstructure:"qrz-username"`
	QRZPassword string `mapstructure:"qrz-password"`
	QRZURL      string `mapstructure:"qrz-url"`

	// Listen is a TCP address ("host:port"). Empty means serve stdio.
	Listen string `mapstructure:"listen"`
}

// SiteConfig holds the operator's own location.
type SiteConfig struct {
	// Coordinates is "lat, lon" and overrides Gridsquare when set.
	Coordinates string `mapstructure:"coordinates"`
	Gridsquare  string `mapstructure:"gridsquare"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Path is URI-style: file://<path>, stderr or stdout.
	Path   string        `mapstructure:"path"`
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   FileLogConfig `mapstructure:"file"`
}

// FileLogConfig holds rotation settings for file-based logging.
type FileLogConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// MonitoringConfig holds metrics and health endpoint configuration.
type MonitoringConfig struct {
	Metrics ListenerConfig `mapstructure:"metrics"`
	Health  ListenerConfig `mapstructure:"health"`
}

type ListenerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load loads configuration from file and environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/callsign-lookup")
	}

	v.SetEnvPrefix("CALLSIGN_LOOKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("callsign-lookup.use-uls", false)
	v.SetDefault("callsign-lookup.use-qrz", false)
	v.SetDefault("callsign-lookup.use-cache", true)
	v.SetDefault("callsign-lookup.use-gnis", false)
	v.SetDefault("callsign-lookup.cache-expiry", "3d")
	v.SetDefault("callsign-lookup.cache-keep-stale-if-offline", true)
	v.SetDefault("callsign-lookup.respawn-after-requests", 0)
	v.SetDefault("callsign-lookup.retry-delay", "15m")
	v.SetDefault("callsign-lookup.qrz-url", "https://xmldata.qrz.com/xml/current/")

	v.SetDefault("log.path", "file://callsign-lookup.log")
	v.SetDefault("log.level", "info")

	v.SetDefault("monitoring.metrics.enabled", false)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.health.enabled", false)
	v.SetDefault("monitoring.health.port", 8080)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Lookup.CacheExpiry != "" {
		if _, err := ParseDurationSeconds(c.Lookup.CacheExpiry); err != nil {
			return fmt.Errorf("callsign-lookup/cache-expiry: %w", err)
		}
	}
	if c.Lookup.RetryDelay != "" {
		if _, err := ParseDurationSeconds(c.Lookup.RetryDelay); err != nil {
			return fmt.Errorf("callsign-lookup/retry-delay: %w", err)
		}
	}
	if c.Site.Coordinates != "" {
		if _, _, err := ParseCoordinates(c.Site.Coordinates); err != nil {
			return fmt.Errorf("site/coordinates: %w", err)
		}
	}
	if c.Monitoring.Metrics.Enabled {
		if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
		}
	}
	if c.Monitoring.Health.Enabled {
		if c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535 {
			return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
		}
	}
	return nil
}

// ParseDurationSeconds converts a duration string to seconds. Bare numbers
// are taken as seconds; the suffixes s, m, h, d and w scale accordingly.
func ParseDurationSeconds(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 's', 'S':
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 60
		s = s[:len(s)-1]
	case 'h', 'H':
		mult = 3600
		s = s[:len(s)-1]
	case 'd', 'D':
		mult = 86400
		s = s[:len(s)-1]
	case 'w', 'W':
		mult = 86400 * 7
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return n * mult, nil
}

// ParseBool interprets a configuration boolean, falling back to def for
// anything unrecognized.
func ParseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	default:
		return def
	}
}

// ParseCoordinates parses a "lat, lon" pair.
func ParseCoordinates(s string) (float64, float64, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("missing comma in %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude in %q", s)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude in %q", s)
	}
	return lat, lon, nil
}
