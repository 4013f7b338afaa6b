package shield

import "maps"

// ConfigProvider supplies resilience configuration from an external source,
// such as an application's config layer. The orchestrator consults it when an
// operation has no registered or per-call configuration. Implementations must
// be safe for concurrent use.
type ConfigProvider interface {
	// ResilienceConfig returns the default configuration for operations the
	// provider has no specific strategy for.
	ResilienceConfig() Config

	// OperationStrategy returns the strategy for a named operation, if the
	// provider has one.
	OperationStrategy(operation string) (Strategy, bool)
}

// StaticConfigProvider is a ConfigProvider backed by fixed in-memory values.
type StaticConfigProvider struct {
	defaultConfig Config
	strategies    map[string]Strategy
}

// NewStaticConfigProvider creates a provider serving defaultConfig plus
// per-operation strategies. The strategies map is copied.
func NewStaticConfigProvider(defaultConfig Config, strategies map[string]Strategy) *StaticConfigProvider {
	return &StaticConfigProvider{
		defaultConfig: defaultConfig,
		strategies:    maps.Clone(strategies),
	}
}

// NewPresetConfigProvider creates a provider from a deployment preset,
// serving the preset's default strategy and its per-operation overrides.
//
// Example:
//
//	preset, _ := shield.PresetByName(shield.RecommendPreset(os.Getenv("APP_ENV")).Preset)
//	orch := shield.NewOrchestrator(shield.WithConfigProvider(shield.NewPresetConfigProvider(preset)))
func NewPresetConfigProvider(preset Preset) *StaticConfigProvider {
	return &StaticConfigProvider{
		defaultConfig: StrategyConfig(preset.DefaultStrategy),
		strategies:    maps.Clone(preset.OperationStrategies),
	}
}

// ResilienceConfig implements ConfigProvider.
func (p *StaticConfigProvider) ResilienceConfig() Config {
	return p.defaultConfig
}

// OperationStrategy implements ConfigProvider.
func (p *StaticConfigProvider) OperationStrategy(operation string) (Strategy, bool) {
	s, ok := p.strategies[operation]
	return s, ok
}
