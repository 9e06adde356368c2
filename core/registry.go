package core

import (
	"fmt"
	"sync"
)

// PluginFactory builds an input or filter plugin from its raw
// configuration map.
type PluginFactory func(config map[string]any) (any, error)

// ExporterFactory builds one exporter instance. The engine supplies the
// instance name and the pre-labelled metrics (nil when metrics are
// disabled); validation failures surface as ConfigurationErrors.
type ExporterFactory func(name string, config map[string]any, metrics *ExporterMetrics) (Exporter, error)

// pluginRegistry holds the factory tables populated by plugin init()
// functions. It carries no instance state; the engine owns instances.
type pluginRegistry struct {
	inputs    map[string]PluginFactory
	exporters map[string]ExporterFactory
	filters   map[string]PluginFactory
	mu        sync.RWMutex
}

var registry = &pluginRegistry{
	inputs:    make(map[string]PluginFactory),
	exporters: make(map[string]ExporterFactory),
	filters:   make(map[string]PluginFactory),
}

// RegisterInputPlugin registers an input plugin factory.
func RegisterInputPlugin(name string, factory PluginFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.inputs[name] = factory
}

// RegisterOutputPlugin registers an exporter factory. The set is closed in
// practice: only the otlp and syslog packages register here.
func RegisterOutputPlugin(name string, factory ExporterFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.exporters[name] = factory
}

// RegisterFilterPlugin registers a filter plugin factory.
func RegisterFilterPlugin(name string, factory PluginFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.filters[name] = factory
}

// CreateInputPlugin instantiates an input plugin by type name.
func CreateInputPlugin(pluginType string, config map[string]any) (InputPlugin, error) {
	registry.mu.RLock()
	factory, exists := registry.inputs[pluginType]
	registry.mu.RUnlock()

	if !exists {
		return nil, NewConfigurationError(fmt.Errorf("unknown input plugin type: %s", pluginType))
	}
	plugin, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create input plugin %s: %w", pluginType, err)
	}
	input, ok := plugin.(InputPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement InputPlugin", pluginType)
	}
	return input, nil
}

// CreateOutputPlugin instantiates an exporter by type name. The metrics
// handle is nil when metrics are disabled.
func CreateOutputPlugin(pluginType, name string, config map[string]any, metrics *ExporterMetrics) (Exporter, error) {
	registry.mu.RLock()
	factory, exists := registry.exporters[pluginType]
	registry.mu.RUnlock()

	if !exists {
		return nil, NewConfigurationError(fmt.Errorf("unknown output plugin type: %s", pluginType))
	}
	exporter, err := factory(name, config, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create output plugin %s: %w", pluginType, err)
	}
	return exporter, nil
}

// CreateFilterPlugin instantiates a filter plugin by type name.
func CreateFilterPlugin(pluginType string, config map[string]any) (FilterPlugin, error) {
	registry.mu.RLock()
	factory, exists := registry.filters[pluginType]
	registry.mu.RUnlock()

	if !exists {
		return nil, NewConfigurationError(fmt.Errorf("unknown filter plugin type: %s", pluginType))
	}
	plugin, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter plugin %s: %w", pluginType, err)
	}
	filter, ok := plugin.(FilterPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement FilterPlugin", pluginType)
	}
	return filter, nil
}

// ListInputPlugins returns the registered input plugin type names.
func ListInputPlugins() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.inputs))
	for name := range registry.inputs {
		names = append(names, name)
	}
	return names
}

// ListOutputPlugins returns the registered exporter type names.
func ListOutputPlugins() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.exporters))
	for name := range registry.exporters {
		names = append(names, name)
	}
	return names
}

// ListFilterPlugins returns the registered filter plugin type names.
func ListFilterPlugins() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.filters))
	for name := range registry.filters {
		names = append(names, name)
	}
	return names
}
