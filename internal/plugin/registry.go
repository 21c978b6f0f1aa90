package plugin

import "fmt"

// Factory builds a Plugin from its `plugins.<id>` config options. Ported
// from internal/dispatcher/plugins/registry.go's PluginFactory, generalized
// from "one factory per observability backend" to "one factory per plugin
// kind", each returning a Plugin rather than a BackendPlugin.
type Factory func(options map[string]interface{}) (Plugin, error)

// registry holds every built-in plugin factory, keyed by the name used in
// `plugins.<name>.enabled` config entries.
var registry = map[string]Factory{}

// Register adds a named plugin factory to the built-in registry. Called
// from init() in this package's concrete plugin files.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// NewByName builds a plugin instance by its registered name.
func NewByName(name string, options map[string]interface{}) (Plugin, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin: %s", name)
	}
	return factory(options)
}

// Names returns every registered plugin name.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
