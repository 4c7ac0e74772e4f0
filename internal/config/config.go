// Package config declares the MGM daemon's on-disk/environment
// configuration: fleet topology (spaces, groups, file systems), this
// process's master-role settings, quota/deletion/archive tunables,
// peer endpoints, and listener addresses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete daemon configuration.
type Configuration struct {
	Global    GlobalConfig     `yaml:"global"`
	Fleet     FleetConfig      `yaml:"fleet"`
	Master    MasterConfig     `yaml:"master"`
	Quota     QuotaConfig      `yaml:"quota"`
	Drain     DrainConfig      `yaml:"drain"`
	Balance   BalanceConfig    `yaml:"balance"`
	Deletion  DeletionConfig   `yaml:"deletion"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Peers     PeersConfig      `yaml:"peers"`
	API       APIConfig        `yaml:"api"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// GlobalConfig carries process-wide settings.
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LocalPeer string `yaml:"local_peer"` // this process's name in Peers.MGM/MQ maps
}

// FsConfig describes one registered file system (spec §3 FsView).
type FsConfig struct {
	ID         int    `yaml:"id"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	GeoTag     string `yaml:"geo_tag"`
	GroupIndex int    `yaml:"group_index"`
}

// SpaceDefConfig describes one scheduling space and its member file
// systems (spec §3 FsSpace/FsGroup).
type SpaceDefConfig struct {
	Name             string     `yaml:"name"`
	Placement        string     `yaml:"placement"` // "local", "spread", "hybrid"
	QuotaOn          bool       `yaml:"quota_on"`
	DrainPeriod      time.Duration `yaml:"drain_period"`
	DrainMaxRetry    int        `yaml:"drain_max_retry"`
	BalanceThreshold float64    `yaml:"balance_threshold"`
	FileSystems      []FsConfig `yaml:"filesystems"`
}

// FleetConfig lists every registered space at boot (spec §3).
type FleetConfig struct {
	Spaces []SpaceDefConfig `yaml:"spaces"`
}

// MasterConfig carries the master/slave supervisor's tunables (spec §4.5).
type MasterConfig struct {
	InitialRole      string        `yaml:"initial_role"` // "master-rw", "master-ro", "slave-ro"
	TickInterval     time.Duration `yaml:"tick_interval"`
	PeerPingTimeout  time.Duration `yaml:"peer_ping_timeout"`
	DiskFullMarginMB uint64        `yaml:"disk_full_margin_mb"`
	WriteStallPeriod time.Duration `yaml:"write_stall_period"`
	ReadStallPeriod  time.Duration `yaml:"read_stall_period"`
	ChangelogMount   string        `yaml:"changelog_mount"` // path probed for free space
}

// QuotaConfig carries quota-engine defaults (spec §4.2).
type QuotaConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DrainConfig carries drain-job tunables (spec §4.3).
type DrainConfig struct {
	ServiceDelay   time.Duration `yaml:"service_delay"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	StallThreshold time.Duration `yaml:"stall_threshold"`
	MaxRetry       int           `yaml:"max_retry"`
}

// BalanceConfig carries balance-job tunables (spec §4.4).
type BalanceConfig struct {
	MinJitter       time.Duration `yaml:"min_jitter"`
	MaxJitter       time.Duration `yaml:"max_jitter"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StallThreshold  time.Duration `yaml:"stall_threshold"`
	AbortThreshold  time.Duration `yaml:"abort_threshold"`
	Cooldown        time.Duration `yaml:"cooldown"`
	MaxJobsPerRound int           `yaml:"max_jobs_per_round"`
}

// DeletionConfig carries the unlinked-file deletion dispatcher's
// tunables (spec §4.8).
type DeletionConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	RatePerSecond int           `yaml:"rate_per_second"`
}

// ArchiveConfig carries the changelog archive bucket's settings.
type ArchiveConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Bucket             string `yaml:"bucket"`
	Prefix             string `yaml:"prefix"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	ForcePathStyle     bool   `yaml:"force_path_style"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
	MultipartChunkSize int64  `yaml:"multipart_chunk_size"`
	Concurrency        int    `yaml:"concurrency"`
}

// PeersConfig lists the peer endpoints this process pings (spec §4.5,
// §4.7's schedule2balance/drain peer-signal fanout).
type PeersConfig struct {
	MGM map[string]string `yaml:"mgm"` // name -> host:port
	MQ  map[string]string `yaml:"mq"`  // name -> host:port
}

// APIConfig carries the admin HTTP server's settings.
type APIConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// MetricsConfig carries the Prometheus exposition server's settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LocalPeer: "local",
		},
		Master: MasterConfig{
			InitialRole:      "slave-ro",
			TickInterval:     time.Second,
			PeerPingTimeout:  time.Second,
			DiskFullMarginMB: 100,
			WriteStallPeriod: 60 * time.Second,
			ReadStallPeriod:  100 * time.Second,
			ChangelogMount:   "/",
		},
		Quota: QuotaConfig{
			RefreshInterval: 30 * time.Second,
		},
		Drain: DrainConfig{
			ServiceDelay:   60 * time.Second,
			SampleInterval: time.Second,
			StallThreshold: 10 * time.Minute,
			MaxRetry:       1,
		},
		Balance: BalanceConfig{
			MinJitter:       100 * time.Second,
			MaxJitter:       120 * time.Second,
			PollInterval:    10 * time.Second,
			StallThreshold:  300 * time.Second,
			AbortThreshold:  3600 * time.Second,
			Cooldown:        120 * time.Second,
			MaxJobsPerRound: 5000,
		},
		Deletion: DeletionConfig{
			Interval:      time.Minute,
			BatchSize:     1024,
			RatePerSecond: 50,
		},
		Archive: ArchiveConfig{
			Prefix:             "changelog/",
			MultipartThreshold: 64 << 20,
			MultipartChunkSize: 16 << 20,
			Concurrency:        4,
		},
		API: APIConfig{
			Address:      "localhost:8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			EnableCORS:   true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9100,
			Path:      "/metrics",
			Namespace: "mgm",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays MGM_-prefixed environment variables onto c.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MGM_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MGM_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("MGM_LOCAL_PEER"); val != "" {
		c.Global.LocalPeer = val
	}
	if val := os.Getenv("MGM_MASTER_INITIAL_ROLE"); val != "" {
		c.Master.InitialRole = val
	}
	if val := os.Getenv("MGM_API_ADDRESS"); val != "" {
		c.API.Address = val
	}
	if val := os.Getenv("MGM_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
	if val := os.Getenv("MGM_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MGM_ARCHIVE_BUCKET"); val != "" {
		c.Archive.Bucket = val
	}
	if val := os.Getenv("MGM_ARCHIVE_ENABLED"); val != "" {
		c.Archive.Enabled = strings.ToLower(val) == "true"
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for obvious misconfiguration
// before the daemon starts.
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validRoles := []string{"master-rw", "master-ro", "slave-ro"}
	roleValid := false
	for _, r := range validRoles {
		if c.Master.InitialRole == r {
			roleValid = true
			break
		}
	}
	if !roleValid {
		return fmt.Errorf("invalid master.initial_role: %s (must be one of: %s)",
			c.Master.InitialRole, strings.Join(validRoles, ", "))
	}

	seen := make(map[int]bool)
	for _, sp := range c.Fleet.Spaces {
		if sp.Name == "" {
			return fmt.Errorf("fleet: space with empty name")
		}
		for _, fs := range sp.FileSystems {
			if fs.ID == 0 {
				return fmt.Errorf("fleet: space %s has a filesystem with id 0", sp.Name)
			}
			if seen[fs.ID] {
				return fmt.Errorf("fleet: duplicate filesystem id %d", fs.ID)
			}
			seen[fs.ID] = true
		}
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive: enabled but bucket is empty")
	}

	return nil
}
