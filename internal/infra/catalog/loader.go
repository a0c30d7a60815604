package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"crewd/internal/domain"
)

// Config is the normalized service configuration loaded from crewd.yaml.
type Config struct {
	Registries    domain.RegistryTable
	Cache         CacheConfig
	Events        EventsConfig
	Gateway       GatewayConfig
	Observability ObservabilityConfig
}

type CacheConfig struct {
	Backend string // memory, bolt, redis
	Redis   RedisConfig
	Bolt    BoltConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BoltConfig struct {
	Path string
}

type EventsConfig struct {
	MaxLen int64
}

type GatewayConfig struct {
	ListenAddress string
}

type ObservabilityConfig struct {
	ListenAddress string
	EnableMetrics bool
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis.addr", "127.0.0.1:6379")
	v.SetDefault("cache.bolt.path", "crewd-cache.db")
	v.SetDefault("events.maxLen", domain.DefaultEventStreamMaxLen)
	v.SetDefault("gateway.listenAddress", domain.DefaultGatewayListenAddress)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityAddress)
	v.SetDefault("observability.enableMetrics", true)
	return v
}

type rawConfig struct {
	Registries    []rawRegistry          `mapstructure:"registries"`
	Cache         rawCacheConfig         `mapstructure:"cache"`
	Events        rawEventsConfig        `mapstructure:"events"`
	Gateway       rawGatewayConfig       `mapstructure:"gateway"`
	Observability rawObservabilityConfig `mapstructure:"observability"`
}

type rawRegistry struct {
	Name            string          `mapstructure:"name"`
	BaseURL         string          `mapstructure:"baseURL"`
	TimeoutSeconds  int             `mapstructure:"timeoutSeconds"`
	CacheTTLSeconds int             `mapstructure:"cacheTTLSeconds"`
	Enabled         *bool           `mapstructure:"enabled"`
	DiscoveryPaths  []string        `mapstructure:"discoveryPaths"`
	HealthPath      string          `mapstructure:"healthPath"`
	StaticTools     []rawStaticTool `mapstructure:"staticTools"`
}

type rawStaticTool struct {
	Name        string         `mapstructure:"name"`
	Description string         `mapstructure:"description"`
	Parameters  []rawParameter `mapstructure:"parameters"`
}

type rawParameter struct {
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
}

type rawCacheConfig struct {
	Backend string         `mapstructure:"backend"`
	Redis   rawRedisConfig `mapstructure:"redis"`
	Bolt    rawBoltConfig  `mapstructure:"bolt"`
}

type rawRedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type rawBoltConfig struct {
	Path string `mapstructure:"path"`
}

type rawEventsConfig struct {
	MaxLen int64 `mapstructure:"maxLen"`
}

type rawGatewayConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
}

// Load reads, env-expands, decodes and validates a config file.
func (l *Loader) Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing := expandConfigEnv(string(data))
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", missing),
		)
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return normalize(raw)
}

func normalize(raw rawConfig) (Config, error) {
	var validationErrors []string

	registries := make([]domain.RegistryConfig, 0, len(raw.Registries))
	nameSeen := make(map[string]struct{})
	for i, r := range raw.Registries {
		normalized := normalizeRegistry(r)
		if normalized.Name == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("registries[%d]: name is required", i))
			continue
		}
		if _, exists := nameSeen[normalized.Name]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("registries[%d]: duplicate name %q", i, normalized.Name))
			continue
		}
		nameSeen[normalized.Name] = struct{}{}
		if normalized.BaseURL == "" && len(normalized.StaticTools) == 0 {
			validationErrors = append(validationErrors, fmt.Sprintf("registries[%d] (%s): baseURL or staticTools required", i, normalized.Name))
			continue
		}
		registries = append(registries, normalized)
	}

	switch raw.Cache.Backend {
	case "memory", "bolt", "redis":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("cache.backend: unknown backend %q", raw.Cache.Backend))
	}

	if len(validationErrors) > 0 {
		return Config{}, errors.New(strings.Join(validationErrors, "; "))
	}

	maxLen := raw.Events.MaxLen
	if maxLen <= 0 {
		maxLen = domain.DefaultEventStreamMaxLen
	}

	return Config{
		Registries: domain.RegistryTable{Registries: registries},
		Cache: CacheConfig{
			Backend: raw.Cache.Backend,
			Redis:   RedisConfig(raw.Cache.Redis),
			Bolt:    BoltConfig(raw.Cache.Bolt),
		},
		Events:  EventsConfig{MaxLen: maxLen},
		Gateway: GatewayConfig{ListenAddress: raw.Gateway.ListenAddress},
		Observability: ObservabilityConfig{
			ListenAddress: raw.Observability.ListenAddress,
			EnableMetrics: raw.Observability.EnableMetrics,
		},
	}, nil
}

func normalizeRegistry(raw rawRegistry) domain.RegistryConfig {
	timeout := time.Duration(raw.TimeoutSeconds) * time.Second
	if raw.TimeoutSeconds <= 0 {
		timeout = domain.DefaultRegistryTimeoutSeconds * time.Second
	}
	ttl := time.Duration(raw.CacheTTLSeconds) * time.Second
	if raw.CacheTTLSeconds <= 0 {
		ttl = domain.DefaultRegistryCacheTTLSeconds * time.Second
	}
	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}
	healthPath := raw.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}

	tools := make([]domain.ToolMetadata, 0, len(raw.StaticTools))
	for _, t := range raw.StaticTools {
		params := make([]domain.ToolParameter, 0, len(t.Parameters))
		for _, p := range t.Parameters {
			params = append(params, domain.ToolParameter(p))
		}
		tools = append(tools, domain.ToolMetadata{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			Source:      raw.Name,
		})
	}
	if len(tools) == 0 {
		tools = nil
	}

	return domain.RegistryConfig{
		Name:           strings.TrimSpace(raw.Name),
		BaseURL:        strings.TrimRight(raw.BaseURL, "/"),
		Timeout:        timeout,
		CacheTTL:       ttl,
		Enabled:        enabled,
		DiscoveryPaths: raw.DiscoveryPaths,
		HealthPath:     healthPath,
		StaticTools:    tools,
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandConfigEnv substitutes ${VAR} references with environment values and
// reports any variables that were unset.
func expandConfigEnv(data string) (string, []string) {
	var missing []string
	expanded := envPattern.ReplaceAllStringFunc(data, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return value
	})
	return expanded, missing
}
