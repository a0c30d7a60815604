package domain

import "time"

// RegistryConfig describes one backend capability registry. A registry either
// declares a fixed, well-known tool set (StaticTools) or is queried live
// through DiscoveryPaths, tried in order until one responds.
type RegistryConfig struct {
	Name           string
	BaseURL        string
	Timeout        time.Duration
	CacheTTL       time.Duration
	Enabled        bool
	DiscoveryPaths []string
	HealthPath     string
	StaticTools    []ToolMetadata
}

// RegistryTable is the enumerable set of configured registries, in declaration
// order.
type RegistryTable struct {
	Registries []RegistryConfig
}

// Enabled returns the enabled registries in declaration order.
func (t RegistryTable) Enabled() []RegistryConfig {
	out := make([]RegistryConfig, 0, len(t.Registries))
	for _, r := range t.Registries {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Lookup finds a registry by name.
func (t RegistryTable) Lookup(name string) (RegistryConfig, bool) {
	for _, r := range t.Registries {
		if r.Name == name {
			return r, true
		}
	}
	return RegistryConfig{}, false
}

// Names returns all registry names in declaration order.
func (t RegistryTable) Names() []string {
	names := make([]string, 0, len(t.Registries))
	for _, r := range t.Registries {
		names = append(names, r.Name)
	}
	return names
}
