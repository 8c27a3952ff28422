package activitysync

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// NodeID identifies this device to the collector. Required for upload.
	NodeID string `yaml:"node_id"`

	// Store holds record store settings.
	Store StoreConfig `yaml:"store"`

	// Scheduler holds adaptive scheduling settings.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Sync holds sync cycle and transport settings.
	Sync SyncConfig `yaml:"sync"`

	// Retention holds retention sweep settings for synced records.
	Retention RetentionConfig `yaml:"retention"`

	// Archive holds optional cold-archive settings applied before purge.
	Archive ArchiveConfig `yaml:"archive"`

	// Logger receives engine activity. If nil, a default logger writing to
	// stderr is used.
	Logger *log.Logger `yaml:"-"`
}

// StoreConfig holds SQLite record store settings.
type StoreConfig struct {
	// Path is the file path for the queue database.
	Path string `yaml:"path"`

	// BusyTimeout is the SQLite lock acquisition timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`

	// CacheSize is the SQLite page cache size in KB.
	CacheSize int `yaml:"cache_size"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `yaml:"max_connections"`
}

// SchedulerConfig holds adaptive scheduling settings.
type SchedulerConfig struct {
	// HighBacklogThreshold is the pending count above which the backlog is
	// considered high.
	HighBacklogThreshold int `yaml:"high_backlog_threshold"`

	// LowBacklogThreshold is the pending count at or below which the backlog
	// is considered low.
	LowBacklogThreshold int `yaml:"low_backlog_threshold"`

	// Unmetered intervals by backlog volume (Wi-Fi-class networks).
	UnmeteredHigh   time.Duration `yaml:"unmetered_high"`
	UnmeteredNormal time.Duration `yaml:"unmetered_normal"`
	UnmeteredLow    time.Duration `yaml:"unmetered_low"`

	// Metered intervals by backlog volume (cellular-class networks).
	MeteredHigh   time.Duration `yaml:"metered_high"`
	MeteredNormal time.Duration `yaml:"metered_normal"`
	MeteredLow    time.Duration `yaml:"metered_low"`

	// LowPowerFloor is the minimum interval while the device reports a
	// low-power condition, regardless of network and backlog.
	LowPowerFloor time.Duration `yaml:"low_power_floor"`

	// BaseBackoff is the first delay after a failed sync cycle.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps the exponential failure backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// SyncConfig holds sync cycle and transport settings.
type SyncConfig struct {
	// BatchSize is the maximum number of records per upload.
	BatchSize int `yaml:"batch_size"`

	// CriticalBatchSize caps batches that contain critical records. Set to 1
	// when the collector protocol needs per-record acknowledgment for
	// high-risk events. Defaults to BatchSize.
	CriticalBatchSize int `yaml:"critical_batch_size"`

	// UploadTimeout bounds a single transport call.
	UploadTimeout time.Duration `yaml:"upload_timeout"`

	// CollectorURL is the base URL of the remote collector.
	CollectorURL string `yaml:"collector_url"`

	// AuthToken authenticates uploads. Prefer sourcing it from the
	// environment over a config file.
	AuthToken string `yaml:"auth_token"`

	// Compression enables snappy compression of upload bodies.
	Compression bool `yaml:"compression"`
}

// RetentionConfig holds retention sweep settings.
type RetentionConfig struct {
	// RetentionDuration is how long synced records are kept before purge.
	// Zero disables the sweep.
	RetentionDuration time.Duration `yaml:"retention_duration"`

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ArchiveConfig holds optional S3 cold-archive settings.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables over setting these directly. DO NOT commit
	// credentials to source control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

// DefaultConfig returns an engine configuration with sensible defaults for
// the given queue database path.
func DefaultConfig(path string) Config {
	return Config{
		Store: StoreConfig{
			Path:           path,
			BusyTimeout:    5000,
			CacheSize:      2000,
			MaxConnections: 4,
		},
		Scheduler: DefaultSchedulerConfig(),
		Sync: SyncConfig{
			BatchSize:     100,
			UploadTimeout: 30 * time.Second,
			Compression:   true,
		},
		Retention: RetentionConfig{
			RetentionDuration: 7 * 24 * time.Hour,
			SweepInterval:     5 * time.Minute,
		},
	}
}

// DefaultSchedulerConfig returns the table-driven scheduling defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HighBacklogThreshold: 10,
		LowBacklogThreshold:  3,
		UnmeteredHigh:        5 * time.Minute,
		UnmeteredNormal:      15 * time.Minute,
		UnmeteredLow:         30 * time.Minute,
		MeteredHigh:          15 * time.Minute,
		MeteredNormal:        30 * time.Minute,
		MeteredLow:           60 * time.Minute,
		LowPowerFloor:        60 * time.Minute,
		BaseBackoff:          30 * time.Second,
		MaxBackoff:           30 * time.Minute,
	}
}

// normalize fills zero-valued fields with defaults.
func (c *Config) normalize() {
	def := DefaultConfig(c.Store.Path)
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = def.Store.BusyTimeout
	}
	if c.Store.CacheSize <= 0 {
		c.Store.CacheSize = def.Store.CacheSize
	}
	if c.Store.MaxConnections <= 0 {
		c.Store.MaxConnections = def.Store.MaxConnections
	}
	c.Scheduler.normalize()
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = def.Sync.BatchSize
	}
	if c.Sync.CriticalBatchSize <= 0 || c.Sync.CriticalBatchSize > c.Sync.BatchSize {
		c.Sync.CriticalBatchSize = c.Sync.BatchSize
	}
	if c.Sync.UploadTimeout <= 0 {
		c.Sync.UploadTimeout = def.Sync.UploadTimeout
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = def.Retention.SweepInterval
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[activitysync] ", log.LstdFlags)
	}
}

func (sc *SchedulerConfig) normalize() {
	def := DefaultSchedulerConfig()
	if sc.HighBacklogThreshold <= 0 {
		sc.HighBacklogThreshold = def.HighBacklogThreshold
	}
	if sc.LowBacklogThreshold <= 0 {
		sc.LowBacklogThreshold = def.LowBacklogThreshold
	}
	if sc.UnmeteredHigh <= 0 {
		sc.UnmeteredHigh = def.UnmeteredHigh
	}
	if sc.UnmeteredNormal <= 0 {
		sc.UnmeteredNormal = def.UnmeteredNormal
	}
	if sc.UnmeteredLow <= 0 {
		sc.UnmeteredLow = def.UnmeteredLow
	}
	if sc.MeteredHigh <= 0 {
		sc.MeteredHigh = def.MeteredHigh
	}
	if sc.MeteredNormal <= 0 {
		sc.MeteredNormal = def.MeteredNormal
	}
	if sc.MeteredLow <= 0 {
		sc.MeteredLow = def.MeteredLow
	}
	if sc.LowPowerFloor <= 0 {
		sc.LowPowerFloor = def.LowPowerFloor
	}
	if sc.BaseBackoff <= 0 {
		sc.BaseBackoff = def.BaseBackoff
	}
	if sc.MaxBackoff <= 0 {
		sc.MaxBackoff = def.MaxBackoff
	}
}

// setDurations parses Go duration strings ("15m", "30s") into their targets,
// leaving targets with empty sources unset.
func setDurations(fields []struct {
	dst *time.Duration
	src string
}) error {
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalYAML decodes duration fields from Go duration strings, which the
// yaml package does not handle for time.Duration on its own.
func (sc *SchedulerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		HighBacklogThreshold int    `yaml:"high_backlog_threshold"`
		LowBacklogThreshold  int    `yaml:"low_backlog_threshold"`
		UnmeteredHigh        string `yaml:"unmetered_high"`
		UnmeteredNormal      string `yaml:"unmetered_normal"`
		UnmeteredLow         string `yaml:"unmetered_low"`
		MeteredHigh          string `yaml:"metered_high"`
		MeteredNormal        string `yaml:"metered_normal"`
		MeteredLow           string `yaml:"metered_low"`
		LowPowerFloor        string `yaml:"low_power_floor"`
		BaseBackoff          string `yaml:"base_backoff"`
		MaxBackoff           string `yaml:"max_backoff"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	sc.HighBacklogThreshold = raw.HighBacklogThreshold
	sc.LowBacklogThreshold = raw.LowBacklogThreshold
	return setDurations([]struct {
		dst *time.Duration
		src string
	}{
		{&sc.UnmeteredHigh, raw.UnmeteredHigh},
		{&sc.UnmeteredNormal, raw.UnmeteredNormal},
		{&sc.UnmeteredLow, raw.UnmeteredLow},
		{&sc.MeteredHigh, raw.MeteredHigh},
		{&sc.MeteredNormal, raw.MeteredNormal},
		{&sc.MeteredLow, raw.MeteredLow},
		{&sc.LowPowerFloor, raw.LowPowerFloor},
		{&sc.BaseBackoff, raw.BaseBackoff},
		{&sc.MaxBackoff, raw.MaxBackoff},
	})
}

// UnmarshalYAML decodes duration fields from Go duration strings.
func (c *SyncConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		BatchSize         int    `yaml:"batch_size"`
		CriticalBatchSize int    `yaml:"critical_batch_size"`
		UploadTimeout     string `yaml:"upload_timeout"`
		CollectorURL      string `yaml:"collector_url"`
		AuthToken         string `yaml:"auth_token"`
		Compression       bool   `yaml:"compression"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.BatchSize = raw.BatchSize
	c.CriticalBatchSize = raw.CriticalBatchSize
	c.CollectorURL = raw.CollectorURL
	c.AuthToken = raw.AuthToken
	c.Compression = raw.Compression
	return setDurations([]struct {
		dst *time.Duration
		src string
	}{
		{&c.UploadTimeout, raw.UploadTimeout},
	})
}

// UnmarshalYAML decodes duration fields from Go duration strings.
func (rc *RetentionConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		RetentionDuration string `yaml:"retention_duration"`
		SweepInterval     string `yaml:"sweep_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return setDurations([]struct {
		dst *time.Duration
		src string
	}{
		{&rc.RetentionDuration, raw.RetentionDuration},
		{&rc.SweepInterval, raw.SweepInterval},
	})
}

// LoadConfig reads a YAML configuration file and applies defaults for any
// fields left unset.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}
