package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Manager loads, persists and snapshots the configuration. Readers get
// deep copies so a concurrent save never mutates a config already handed
// out.
type Manager struct {
	mu       sync.RWMutex
	current  *Config
	filePath string
	onChange []func(old, new *Config)
}

// NewManager loads the configuration from path, creating the file with
// defaults when it does not exist.
func NewManager(path string) (*Manager, error) {
	m := &Manager{filePath: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.current = DefaultConfig()
		if err := m.persist(m.current); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return m, nil
	}

	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m.current = cfg
	return m, nil
}

func load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Get returns a deep copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := &Config{}
	_ = copier.CopyWithOption(snapshot, m.current, copier.Option{DeepCopy: true})
	return snapshot
}

// Getter returns a ConfigGetter bound to this manager.
func (m *Manager) Getter() ConfigGetter {
	return m.Get
}

// Update validates, persists and swaps in a new configuration, then invokes
// registered change handlers outside the lock.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	if err := m.persist(cfg); err != nil {
		m.mu.Unlock()
		return err
	}
	m.current = cfg
	handlers := make([]func(old, new *Config), len(m.onChange))
	copy(handlers, m.onChange)
	m.mu.Unlock()

	for _, h := range handlers {
		h(old, cfg)
	}
	return nil
}

// OnChange registers a handler invoked after every successful Update.
func (m *Manager) OnChange(fn func(old, new *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

func (m *Manager) persist(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, m.filePath)
}
