package shield

import (
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
)

// StrategyConfig resolves a named strategy to its full configuration:
//
//	aggressive:   2 attempts, breaker opens after 3 failures, 30s recovery
//	balanced:     3 attempts, breaker opens after 5 failures, 60s recovery
//	conservative: 5 attempts, breaker opens after 8 failures, 120s recovery
//	critical:     7 attempts, breaker opens after 10 failures, 300s recovery
//
// Unknown strategies resolve to balanced. Every strategy enables both layers.
func StrategyConfig(strategy Strategy) Config {
	switch strategy {
	case StrategyAggressive:
		return Config{
			Strategy: StrategyAggressive,
			Retry: RetryConfig{
				MaxAttempts:  2,
				MaxElapsed:   10 * time.Second,
				InitialDelay: 500 * time.Millisecond,
				MinDelay:     500 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Jitter:       true,
				JitterMax:    500 * time.Millisecond,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 3,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenMaxCalls: 2,
			},
			EnableRetry:          true,
			EnableCircuitBreaker: true,
		}

	case StrategyConservative:
		return Config{
			Strategy: StrategyConservative,
			Retry: RetryConfig{
				MaxAttempts:  5,
				MaxElapsed:   120 * time.Second,
				InitialDelay: 2 * time.Second,
				MinDelay:     2 * time.Second,
				MaxDelay:     30 * time.Second,
				Jitter:       true,
				JitterMax:    2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 8,
				RecoveryTimeout:  120 * time.Second,
				HalfOpenMaxCalls: 3,
			},
			EnableRetry:          true,
			EnableCircuitBreaker: true,
		}

	case StrategyCritical:
		return Config{
			Strategy: StrategyCritical,
			Retry: RetryConfig{
				MaxAttempts:  7,
				MaxElapsed:   300 * time.Second,
				InitialDelay: 2 * time.Second,
				MinDelay:     2 * time.Second,
				MaxDelay:     60 * time.Second,
				Jitter:       true,
				JitterMax:    3 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 10,
				RecoveryTimeout:  300 * time.Second,
				HalfOpenMaxCalls: 5,
			},
			EnableRetry:          true,
			EnableCircuitBreaker: true,
		}

	default:
		return Config{
			Strategy: StrategyBalanced,
			Retry: RetryConfig{
				MaxAttempts:  3,
				MaxElapsed:   30 * time.Second,
				InitialDelay: time.Second,
				MinDelay:     time.Second,
				MaxDelay:     10 * time.Second,
				Jitter:       true,
				JitterMax:    time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
				HalfOpenMaxCalls: 3,
			},
			EnableRetry:          true,
			EnableCircuitBreaker: true,
		}
	}
}

// DefaultConfig returns the balanced strategy configuration.
func DefaultConfig() Config {
	return StrategyConfig(StrategyBalanced)
}

// Preset bundles a default strategy with per-operation overrides for one
// deployment style.
type Preset struct {
	Name                string              `json:"name"`
	Description         string              `json:"description"`
	DefaultStrategy     Strategy            `json:"default_strategy"`
	OperationStrategies map[string]Strategy `json:"operation_strategies,omitempty"`
	Environments        []string            `json:"environments"`
}

// Built-in preset names.
const (
	PresetSimple      = "simple"
	PresetDevelopment = "development"
	PresetProduction  = "production"
)

// builtinPresets backs PresetByName and Presets; accessors return clones.
var builtinPresets = []Preset{
	{
		Name:            PresetSimple,
		Description:     "One balanced strategy for every operation, no per-operation overrides.",
		DefaultStrategy: StrategyBalanced,
		Environments:    []string{"simple", "default"},
	},
	{
		Name:            PresetDevelopment,
		Description:     "Fast feedback for local work: few attempts, short recovery windows.",
		DefaultStrategy: StrategyAggressive,
		Environments:    []string{"development"},
	},
	{
		Name:            PresetProduction,
		Description:     "Balanced default with stricter handling for generation, embedding, and health check operations.",
		DefaultStrategy: StrategyBalanced,
		OperationStrategies: map[string]Strategy{
			"generate":     StrategyCritical,
			"embedding":    StrategyConservative,
			"health_check": StrategyAggressive,
		},
		Environments: []string{"production"},
	},
}

// PresetByName looks up a built-in preset. Matching is case-insensitive.
// The returned preset is a copy and safe to modify.
func PresetByName(name string) (Preset, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, p := range builtinPresets {
		if p.Name == want {
			return clonePreset(p), true
		}
	}
	return Preset{}, false
}

// Presets returns copies of all built-in presets.
func Presets() []Preset {
	out := make([]Preset, 0, len(builtinPresets))
	for _, p := range builtinPresets {
		out = append(out, clonePreset(p))
	}
	return out
}

func clonePreset(p Preset) Preset {
	p.OperationStrategies = maps.Clone(p.OperationStrategies)
	p.Environments = slices.Clone(p.Environments)
	return p
}

// Environment name patterns for preset recommendation, checked in order.
// Staging-like names come first so "pre-prod" classifies as staging rather
// than production.
var (
	stagingPattern     = regexp.MustCompile(`stag(?:e|ing)|pre-?prod|uat|integration`)
	developmentPattern = regexp.MustCompile(`dev|local|test|sandbox|demo`)
	productionPattern  = regexp.MustCompile(`prod|live|release|stable|main|master`)
)

// Recommendation is a preset suggestion for an environment name, with a
// confidence in [0, 1] describing how sure the match is.
type Recommendation struct {
	Preset     string  `json:"preset"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// RecommendPreset suggests a preset for the given environment name. An exact
// match against a preset's environment list wins with confidence 0.95;
// otherwise staging-like names map to production at 0.70, development-like
// names to development at 0.75, production-like names to production at 0.75,
// and anything else to simple at 0.40.
func RecommendPreset(environment string) Recommendation {
	env := strings.ToLower(strings.TrimSpace(environment))
	if env == "" {
		return Recommendation{
			Preset:     PresetSimple,
			Confidence: 0.40,
			Reason:     "no environment name supplied",
		}
	}

	for _, p := range builtinPresets {
		if slices.Contains(p.Environments, env) {
			return Recommendation{
				Preset:     p.Name,
				Confidence: 0.95,
				Reason:     "exact environment match",
			}
		}
	}

	switch {
	case stagingPattern.MatchString(env):
		return Recommendation{
			Preset:     PresetProduction,
			Confidence: 0.70,
			Reason:     "staging-like environment",
		}
	case developmentPattern.MatchString(env):
		return Recommendation{
			Preset:     PresetDevelopment,
			Confidence: 0.75,
			Reason:     "development-like environment",
		}
	case productionPattern.MatchString(env):
		return Recommendation{
			Preset:     PresetProduction,
			Confidence: 0.75,
			Reason:     "production-like environment",
		}
	}

	return Recommendation{
		Preset:     PresetSimple,
		Confidence: 0.40,
		Reason:     "unrecognized environment",
	}
}

// AutoRecommend returns the best RecommendPreset result across candidates,
// falling back to the simple preset when the best confidence is 0.5 or below.
func AutoRecommend(candidates ...string) Recommendation {
	best := Recommendation{Preset: PresetSimple}
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if r := RecommendPreset(c); r.Confidence > best.Confidence {
			best = r
		}
	}

	if best.Confidence <= 0.5 {
		return Recommendation{
			Preset:     PresetSimple,
			Confidence: best.Confidence,
			Reason:     "weak confidence signal, falling back to simple",
		}
	}
	return best
}
