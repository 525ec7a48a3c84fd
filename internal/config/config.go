// Package config holds the edge node's persisted JSON configuration and the server's environment configuration.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ServerLink holds the central server connection settings
type ServerLink struct {
	NATSURL string `json:"natsUrl"`
	// PreflightAddr overrides the host:port probed before connecting (defaults to the NATS URL host)
	PreflightAddr string `json:"preflightAddr,omitempty"`
}

// OutboxConfig holds local outbox settings
type OutboxConfig struct {
	Path              string `json:"path,omitempty"`
	RetentionHours    int    `json:"retentionHours"`
	GCIntervalMinutes int    `json:"gcIntervalMinutes"`
	MaxRejections     int    `json:"maxRejections"`
}

// DeliveryConfig holds delivery agent timings
type DeliveryConfig struct {
	RequestTimeoutSec int `json:"requestTimeoutSec"`
	ConnectTimeoutSec int `json:"connectTimeoutSec"`
	InitialBackoffMs  int `json:"initialBackoffMs"`
	MaxBackoffSec     int `json:"maxBackoffSec"`
	PollIntervalSec   int `json:"pollIntervalSec"`
	BatchSize         int `json:"batchSize"`
}

// HealthConfig holds health reporter settings
type HealthConfig struct {
	Enabled         bool    `json:"enabled"`
	IntervalSec     int     `json:"intervalSec"`
	Simulated       bool    `json:"simulated,omitempty"`
	CPUWarn         float64 `json:"cpuWarn"`
	CPUFail         float64 `json:"cpuFail"`
	MemoryWarn      float64 `json:"memoryWarn"`
	MemoryFail      float64 `json:"memoryFail"`
	DiskWarn        float64 `json:"diskWarn"`
	DiskFail        float64 `json:"diskFail"`
	TemperatureWarn float64 `json:"temperatureWarn"`
	TemperatureFail float64 `json:"temperatureFail"`
}

// NodeConfig holds the complete edge node configuration
type NodeConfig struct {
	// Identity
	NodeName   string `json:"nodeName"`
	NodeModel  string `json:"nodeModel"`
	CameraID   string `json:"cameraId"`
	CameraName string `json:"cameraName,omitempty"`
	Location   string `json:"location,omitempty"`

	Server   ServerLink     `json:"server"`
	Outbox   OutboxConfig   `json:"outbox"`
	Delivery DeliveryConfig `json:"delivery"`
	Health   HealthConfig   `json:"health"`

	// Local status API port
	WebPort int `json:"webPort"`

	LogLevel  string `json:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RequestTimeout returns the per-request acknowledgement timeout
func (c NodeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Delivery.RequestTimeoutSec) * time.Second
}

// ConnectTimeout returns the connection establishment timeout
func (c NodeConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.Delivery.ConnectTimeoutSec) * time.Second
}

// InitialBackoff returns the first retry delay
func (c NodeConfig) InitialBackoff() time.Duration {
	return time.Duration(c.Delivery.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap
func (c NodeConfig) MaxBackoff() time.Duration {
	return time.Duration(c.Delivery.MaxBackoffSec) * time.Second
}

// PollInterval returns how long an idle agent waits before re-checking the outbox
func (c NodeConfig) PollInterval() time.Duration {
	return time.Duration(c.Delivery.PollIntervalSec) * time.Second
}

// Retention returns how long sent entries are kept
func (c NodeConfig) Retention() time.Duration {
	return time.Duration(c.Outbox.RetentionHours) * time.Hour
}

// GCInterval returns the retention sweep period
func (c NodeConfig) GCInterval() time.Duration {
	return time.Duration(c.Outbox.GCIntervalMinutes) * time.Minute
}

// HealthInterval returns the health reporting period
func (c NodeConfig) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSec) * time.Second
}

// PreflightTarget returns the host:port that must be reachable before delivery starts
func (c NodeConfig) PreflightTarget() (string, error) {
	if c.Server.PreflightAddr != "" {
		return c.Server.PreflightAddr, nil
	}
	u, err := url.Parse(c.Server.NATSURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.Server.NATSURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("server url %q has no host", c.Server.NATSURL)
	}
	port := u.Port()
	if port == "" {
		port = "4222"
	}
	return net.JoinHostPort(host, port), nil
}

// Manager handles configuration persistence and access
type Manager struct {
	configPath string
	dataDir    string
	config     *NodeConfig
	mu         sync.RWMutex
}

// NewManager creates a new config manager
func NewManager(configPath, dataDir string) (*Manager, error) {
	m := &Manager{
		configPath: configPath,
		dataDir:    dataDir,
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Load or create config
	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
		m.config = m.createDefaultConfig()
		if err := m.save(); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	}
	applyDefaults(m.config)

	return m, nil
}

// OutboxPath returns the outbox database file
func (m *Manager) OutboxPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config.Outbox.Path != "" {
		return m.config.Outbox.Path
	}
	return filepath.Join(m.dataDir, "outbox.db")
}

// Get returns a copy of the current config
func (m *Manager) Get() NodeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// Update applies fn to the config and persists the result
func (m *Manager) Update(fn func(*NodeConfig)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.config)
	applyDefaults(m.config)
	m.config.UpdatedAt = time.Now()
	return m.saveUnsafe()
}

// Reset clears the configuration to default
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = m.createDefaultConfig()
	return m.saveUnsafe()
}

// IsConfigured returns true once a camera id and server are set
func (m *Manager) IsConfigured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.CameraID != "" && m.config.Server.NATSURL != ""
}

// load reads config from file
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	var cfg NodeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("invalid config json: %w", err)
	}

	m.config = &cfg
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

// saveUnsafe writes config to file (caller must hold lock)
func (m *Manager) saveUnsafe() error {
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.configPath)
}

// createDefaultConfig creates a new default configuration
func (m *Manager) createDefaultConfig() *NodeConfig {
	hostname, _ := os.Hostname()
	now := time.Now()

	cfg := &NodeConfig{
		NodeName:  hostname,
		NodeModel: detectNodeModel(),
		Server:    ServerLink{NATSURL: "nats://localhost:4233"},
		Health:    HealthConfig{Enabled: true},
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *NodeConfig) {
	if cfg.Outbox.RetentionHours <= 0 {
		cfg.Outbox.RetentionHours = 72
	}
	if cfg.Outbox.GCIntervalMinutes <= 0 {
		cfg.Outbox.GCIntervalMinutes = 60
	}
	if cfg.Outbox.MaxRejections <= 0 {
		cfg.Outbox.MaxRejections = 3
	}
	if cfg.Delivery.RequestTimeoutSec <= 0 {
		cfg.Delivery.RequestTimeoutSec = 10
	}
	if cfg.Delivery.ConnectTimeoutSec <= 0 {
		cfg.Delivery.ConnectTimeoutSec = 5
	}
	if cfg.Delivery.InitialBackoffMs <= 0 {
		cfg.Delivery.InitialBackoffMs = 500
	}
	if cfg.Delivery.MaxBackoffSec <= 0 {
		cfg.Delivery.MaxBackoffSec = 60
	}
	if cfg.Delivery.PollIntervalSec <= 0 {
		cfg.Delivery.PollIntervalSec = 5
	}
	if cfg.Delivery.BatchSize <= 0 {
		cfg.Delivery.BatchSize = 50
	}
	if cfg.Health.IntervalSec <= 0 {
		cfg.Health.IntervalSec = 60
	}
	if cfg.Health.CPUWarn <= 0 {
		cfg.Health.CPUWarn = 80
	}
	if cfg.Health.CPUFail <= 0 {
		cfg.Health.CPUFail = 95
	}
	if cfg.Health.MemoryWarn <= 0 {
		cfg.Health.MemoryWarn = 80
	}
	if cfg.Health.MemoryFail <= 0 {
		cfg.Health.MemoryFail = 95
	}
	if cfg.Health.DiskWarn <= 0 {
		cfg.Health.DiskWarn = 85
	}
	if cfg.Health.DiskFail <= 0 {
		cfg.Health.DiskFail = 95
	}
	if cfg.Health.TemperatureWarn <= 0 {
		cfg.Health.TemperatureWarn = 70
	}
	if cfg.Health.TemperatureFail <= 0 {
		cfg.Health.TemperatureFail = 80
	}
	if cfg.WebPort <= 0 {
		cfg.WebPort = 8080
	}
}

// detectNodeModel detects the hardware model
func detectNodeModel() string {
	data, err := os.ReadFile("/proc/device-tree/model")
	if err == nil {
		return string(trimNUL(data))
	}
	return "Generic Linux"
}

func trimNUL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == 0 || b[len(b)-1] == '\n') {
		b = b[:len(b)-1]
	}
	return b
}
