// Package config handles configuration persistence for the motolink
// gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ListenerID is a unique identifier for a config change listener.
type ListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // instance namespace for topic/key isolation
	Robots    []RobotConfig  `yaml:"robots"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	PollRate  time.Duration  `yaml:"poll_rate"`
	DebugLog  string         `yaml:"debug_log,omitempty"` // debug log path, empty = disabled

	// dataMu protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call
	// UnlockAndSave(). Save() acquires the lock internally.
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex          `yaml:"-"`
	listenerCounter uint64                `yaml:"-"`
}

// RobotConfig describes one controller connection.
type RobotConfig struct {
	Name      string              `yaml:"name"`
	Enabled   bool                `yaml:"enabled"`
	Host      string              `yaml:"host"`
	RobotPort int                 `yaml:"robot_port,omitempty"` // default 10040
	FilePort  int                 `yaml:"file_port,omitempty"`  // default 10041
	Timeout   time.Duration       `yaml:"timeout,omitempty"`
	Variables []VariableSelection `yaml:"variables,omitempty"`
}

// VariableSelection names one polled variable, e.g. "I003", "D0012",
// "B7", "R2", "S1", "P1", "BP0", "EX0".
type VariableSelection struct {
	Spec    string `yaml:"spec"`
	Alias   string `yaml:"alias,omitempty"` // published name, defaults to Spec
	Enabled bool   `yaml:"enabled"`
}

// Key returns the name the variable is published under.
func (v VariableSelection) Key() string {
	if v.Alias != "" {
		return v.Alias
	}
	return v.Spec
}

// WebConfig holds the REST/SSE server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`

	// Writeback settings
	EnableWriteback bool `yaml:"enable_writeback,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"`

	// Writeback settings
	EnableWriteback bool `yaml:"enable_writeback,omitempty"`
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"`

	// Variable publishing settings
	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Topic            string `yaml:"topic,omitempty"`
	AutoCreateTopics bool   `yaml:"auto_create_topics,omitempty"`

	// Writeback settings
	EnableWriteback bool `yaml:"enable_writeback,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Robots:   []RobotConfig{},
		PollRate: time.Second,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path
// (~/.motolink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".motolink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config
// is saved. Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ListenerID]func())
	}

	id := ListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

// notifyChangeListeners calls all registered change listeners outside
// the data lock.
func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
// Prefer UnlockAndSave when modifications were made.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
// Use this when the caller does not already hold the lock.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes
// via a temp file and rename so a crash never leaves a torn file.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindRobot returns the robot config with the given name, or nil.
func (c *Config) FindRobot(name string) *RobotConfig {
	for i := range c.Robots {
		if c.Robots[i].Name == name {
			return &c.Robots[i]
		}
	}
	return nil
}

// AddRobot adds a new robot configuration.
func (c *Config) AddRobot(r RobotConfig) {
	c.Robots = append(c.Robots, r)
}

// RemoveRobot removes a robot by name.
func (c *Config) RemoveRobot(name string) bool {
	for i, r := range c.Robots {
		if r.Name == name {
			c.Robots = append(c.Robots[:i], c.Robots[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateRobot updates an existing robot configuration.
func (c *Config) UpdateRobot(name string, updated RobotConfig) bool {
	for i, r := range c.Robots {
		if r.Name == name {
			c.Robots[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots")
	}
	seen := make(map[string]bool, len(c.Robots))
	for _, r := range c.Robots {
		if r.Name == "" {
			return fmt.Errorf("robot with empty name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate robot name: %s", r.Name)
		}
		seen[r.Name] = true
		if r.Host == "" {
			return fmt.Errorf("robot %s: host is required", r.Name)
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid. Valid
// namespaces contain only alphanumeric characters, hyphens, underscores
// and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
