package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/safezone.defaults.json"

const (
	defaultPollInterval       = 5 * time.Second
	defaultMinDistanceMeters  = 0.5
	defaultMaxStaleness       = 30 * time.Second
	defaultRequestTimeout     = 10 * time.Second
	defaultSampleTimeout      = 15 * time.Second
	defaultGPSDevice          = "/dev/ttyACM0"
	defaultGPSBaudRate        = 9600
	defaultBackgroundLocation = true
	defaultDatabasePath       = "safezone.db"

	minPollInterval = time.Second
)

// Config is the daemon configuration. Fields omitted from the JSON file
// fall back to the defaults returned by the Get* accessors.
type Config struct {
	// Zone service
	ZoneServiceURL *string `json:"zone_service_url,omitempty"`
	RequestTimeout *string `json:"request_timeout,omitempty"` // duration string like "10s"

	// Tracking loop
	PollInterval      *string  `json:"poll_interval,omitempty"`
	MinDistanceMeters *float64 `json:"min_distance_meters,omitempty"`
	MaxStaleness      *string  `json:"max_staleness,omitempty"`

	// GPS receiver
	GPSDevice          *string `json:"gps_device,omitempty"`
	GPSBaudRate        *int    `json:"gps_baud_rate,omitempty"`
	SampleTimeout      *string `json:"sample_timeout,omitempty"`
	BackgroundLocation *bool   `json:"background_location,omitempty"`

	// Local state
	DatabasePath *string `json:"database_path,omitempty"`
	OTLPEndpoint *string `json:"otlp_endpoint,omitempty"`
}

// Load reads a Config from a JSON file and validates it.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set values are usable.
func (c *Config) Validate() error {
	if c.ZoneServiceURL != nil && *c.ZoneServiceURL != "" {
		u, err := url.Parse(*c.ZoneServiceURL)
		if err != nil {
			return fmt.Errorf("invalid zone_service_url %q: %w", *c.ZoneServiceURL, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("zone_service_url must be an absolute http(s) URL, got %q", *c.ZoneServiceURL)
		}
	}

	durations := []struct {
		name string
		v    *string
		min  time.Duration
	}{
		{"poll_interval", c.PollInterval, minPollInterval},
		{"max_staleness", c.MaxStaleness, 0},
		{"request_timeout", c.RequestTimeout, time.Millisecond},
		{"sample_timeout", c.SampleTimeout, time.Millisecond},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed < d.min {
			return fmt.Errorf("%s must be at least %s, got %s", d.name, d.min, parsed)
		}
	}

	if c.MinDistanceMeters != nil && *c.MinDistanceMeters < 0 {
		return fmt.Errorf("min_distance_meters must be non-negative, got %f", *c.MinDistanceMeters)
	}
	if c.GPSBaudRate != nil && *c.GPSBaudRate <= 0 {
		return fmt.Errorf("gps_baud_rate must be positive, got %d", *c.GPSBaudRate)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetZoneServiceURL returns the zone service base URL, or "" if unset.
func (c *Config) GetZoneServiceURL() string {
	if c.ZoneServiceURL == nil {
		return ""
	}
	return *c.ZoneServiceURL
}

func (c *Config) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, defaultRequestTimeout)
}

func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, defaultPollInterval)
}

func (c *Config) GetMinDistanceMeters() float64 {
	if c.MinDistanceMeters == nil {
		return defaultMinDistanceMeters
	}
	return *c.MinDistanceMeters
}

func (c *Config) GetMaxStaleness() time.Duration {
	return durationOr(c.MaxStaleness, defaultMaxStaleness)
}

func (c *Config) GetGPSDevice() string {
	if c.GPSDevice == nil || *c.GPSDevice == "" {
		return defaultGPSDevice
	}
	return *c.GPSDevice
}

func (c *Config) GetGPSBaudRate() int {
	if c.GPSBaudRate == nil {
		return defaultGPSBaudRate
	}
	return *c.GPSBaudRate
}

func (c *Config) GetSampleTimeout() time.Duration {
	return durationOr(c.SampleTimeout, defaultSampleTimeout)
}

// GetBackgroundLocation reports whether tracking may continue while the
// wearer is not interacting with the device.
func (c *Config) GetBackgroundLocation() bool {
	if c.BackgroundLocation == nil {
		return defaultBackgroundLocation
	}
	return *c.BackgroundLocation
}

func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return defaultDatabasePath
	}
	return *c.DatabasePath
}

// GetOTLPEndpoint returns the metrics collector endpoint. Empty disables
// export.
func (c *Config) GetOTLPEndpoint() string {
	if c.OTLPEndpoint == nil {
		return ""
	}
	return *c.OTLPEndpoint
}
