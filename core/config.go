package core

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the agent configuration.
type Config struct {
	Inputs  []PluginDefinition `yaml:"inputs"`
	Outputs []PluginDefinition `yaml:"outputs"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

// PluginDefinition declares one plugin instance.
type PluginDefinition struct {
	Type   string         `yaml:"type"`           // plugin type: "slog", "http", "otlp", "syslog", ...
	Name   string         `yaml:"name,omitempty"` // instance name; defaults to the type
	Config map[string]any `yaml:"config"`         // plugin-specific configuration

	// Output-specific options
	Sources []string           `yaml:"sources,omitempty"` // input names to accept events from (empty = all)
	Filters []PluginDefinition `yaml:"filters,omitempty"` // filters applied before this output
}

// Validate checks the definition itself; plugin-specific config is
// validated by the plugin factory.
func (d PluginDefinition) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Type, validation.Required.Error("plugin type is required")),
	)
}

// InstanceName returns the configured name or falls back to the type.
func (d PluginDefinition) InstanceName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Type
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	Port    int  `yaml:"port,omitempty"`
}

// Validate checks the metrics options.
func (m MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	return validation.ValidateStruct(&m,
		validation.Field(&m.Port,
			validation.Min(1).Error("metrics port must be between 1 and 65535"),
			validation.Max(65535).Error("metrics port must be between 1 and 65535"),
		),
	)
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Outputs, validation.Required.Error("at least one output must be configured")),
	); err != nil {
		return NewConfigurationError(err)
	}
	for i := range c.Inputs {
		if err := c.Inputs[i].Validate(); err != nil {
			return NewConfigurationError(fmt.Errorf("inputs[%d]: %w", i, err))
		}
	}
	for i := range c.Outputs {
		if err := c.Outputs[i].Validate(); err != nil {
			return NewConfigurationError(fmt.Errorf("outputs[%d]: %w", i, err))
		}
		for j := range c.Outputs[i].Filters {
			if err := c.Outputs[i].Filters[j].Validate(); err != nil {
				return NewConfigurationError(fmt.Errorf("outputs[%d].filters[%d]: %w", i, j, err))
			}
		}
	}
	if err := c.Metrics.Validate(); err != nil {
		return NewConfigurationError(fmt.Errorf("metrics: %w", err))
	}
	return nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if config.Metrics.Enabled && config.Metrics.Port == 0 {
		config.Metrics.Port = 9091
	}
	return &config, nil
}

// GetPluginConfig re-marshals a raw plugin config map into the plugin's
// typed, yaml-tagged struct.
func GetPluginConfig(pluginConfig map[string]any, target any) error {
	data, err := yaml.Marshal(pluginConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal plugin config: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal plugin config: %w", err)
	}
	return nil
}

// ConfigWatcher monitors a config file for changes and triggers reloads.
type ConfigWatcher struct {
	filename    string
	watcher     *fsnotify.Watcher
	onReload    func(*Config)
	stopCh      chan struct{}
	wg          sync.WaitGroup
	lastModTime time.Time
	mu          sync.Mutex
}

// NewConfigWatcher watches the directory containing filename (so atomic
// replaces are seen) and calls onReload with each successfully parsed new
// config.
func NewConfigWatcher(filename string, onReload func(*Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	info, err := os.Stat(filename)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cw := &ConfigWatcher{
		filename:    filename,
		watcher:     watcher,
		onReload:    onReload,
		stopCh:      make(chan struct{}),
		lastModTime: info.ModTime(),
	}

	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	cw.wg.Add(1)
	go cw.watchLoop()
	return cw, nil
}

// Stop halts the watcher.
func (cw *ConfigWatcher) Stop() {
	close(cw.stopCh)
	cw.watcher.Close()
	cw.wg.Wait()
}

func (cw *ConfigWatcher) watchLoop() {
	defer cw.wg.Done()

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != cw.filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.handleFileChange()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[CONFIG] watcher error: %v", err)

		case <-cw.stopCh:
			return
		}
	}
}

func (cw *ConfigWatcher) handleFileChange() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	// fsnotify delivers bursts of events for one save; the mod time
	// dedupes them.
	info, err := os.Stat(cw.filename)
	if err != nil {
		log.Printf("[CONFIG] failed to stat config file: %v", err)
		return
	}
	if info.ModTime().Equal(cw.lastModTime) {
		return
	}
	cw.lastModTime = info.ModTime()

	// Give the writer a moment to finish.
	time.Sleep(100 * time.Millisecond)

	config, err := LoadConfig(cw.filename)
	if err != nil {
		log.Printf("[CONFIG] reload failed: %v", err)
		return
	}

	log.Printf("[CONFIG] config file changed, reloading")
	cw.onReload(config)
}
