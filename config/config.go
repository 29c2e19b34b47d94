// Package config loads the orchestrator's YAML configuration. Files
// are parsed with yaml.v3, validated with go-playground/validator
// struct tags, and merged hierarchically: global settings first, then
// a per-principal overlay, then a per-workflow overlay. A Store can
// watch the file with fsnotify and push reloaded snapshots to
// subscribers.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nwbforge/orchestrator/workflow/detect"
	"github.com/nwbforge/orchestrator/workflow/dispatch"
	"github.com/nwbforge/orchestrator/workflow/events"
	"github.com/nwbforge/orchestrator/workflow/validate"
)

// Duration wraps time.Duration so YAML values can be written as
// "500ms" or "2m" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is one fully resolved configuration: defaults overlaid with
// the global section and any principal and workflow overlays.
type Config struct {
	Agent           AgentConfig           `yaml:"agent"`
	Session         SessionConfig         `yaml:"session"`
	Engine          EngineConfig          `yaml:"engine"`
	Events          EventsConfig          `yaml:"events"`
	Provenance      ProvenanceConfig      `yaml:"provenance"`
	Validation      ValidationConfig      `yaml:"validation"`
	FormatDetection FormatDetectionConfig `yaml:"formatDetection"`
}

// AgentConfig tunes dispatch to the worker agents.
type AgentConfig struct {
	Timeout TimeoutConfig `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
	Circuit CircuitConfig `yaml:"circuit"`
}

// TimeoutConfig holds the default step timeout plus per-role
// overrides keyed by role name, written inline:
//
//	timeout:
//	  default: 2m
//	  conversion: 10m
type TimeoutConfig struct {
	Default Duration            `yaml:"default" validate:"gt=0"`
	Roles   map[string]Duration `yaml:",inline" validate:"dive,gt=0"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"maxAttempts" validate:"gte=1"`
	BaseDelay   Duration `yaml:"baseDelay" validate:"gt=0"`
	Jitter      float64  `yaml:"jitter" validate:"gte=0,lte=1"`
	Cap         Duration `yaml:"cap" validate:"gt=0"`
}

type CircuitConfig struct {
	FailureThreshold uint32   `yaml:"failureThreshold" validate:"gte=1"`
	Cooldown         Duration `yaml:"cooldown" validate:"gt=0"`
}

type SessionConfig struct {
	Expire  ExpireConfig  `yaml:"expire"`
	Suspend SuspendConfig `yaml:"suspend"`
}

type ExpireConfig struct {
	// After is the session TTL measured from the last update.
	After Duration `yaml:"after" validate:"gt=0"`
}

type SuspendConfig struct {
	// InputTimeout bounds how long a suspended session waits for user
	// input before failing with a timeout.
	InputTimeout Duration `yaml:"inputTimeout" validate:"gt=0"`
}

type EngineConfig struct {
	MaxConcurrentSessions int `yaml:"maxConcurrentSessions" validate:"gte=1"`
	MaxConcurrentPerRole  int `yaml:"maxConcurrentPerRole" validate:"gte=1"`
}

type EventsConfig struct {
	Retention  RetentionConfig  `yaml:"retention"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
}

// RetentionConfig bounds the per-session event log. Zero values mean
// unbounded.
type RetentionConfig struct {
	Size int      `yaml:"size" validate:"gte=0"`
	Time Duration `yaml:"time" validate:"gte=0"`
}

type SubscriberConfig struct {
	BufferSize int `yaml:"bufferSize" validate:"gte=1"`
}

type ProvenanceConfig struct {
	DegradedAfterFailures int `yaml:"degradedAfterFailures" validate:"gte=1"`
}

type ValidationConfig struct {
	Weight WeightConfig `yaml:"weight"`
}

// WeightConfig holds the score penalty per issue severity.
type WeightConfig struct {
	Critical int `yaml:"critical" validate:"gte=0"`
	Error    int `yaml:"error" validate:"gte=0"`
	Warning  int `yaml:"warning" validate:"gte=0"`
	Info     int `yaml:"info" validate:"gte=0"`
}

type FormatDetectionConfig struct {
	AmbiguityThreshold float64 `yaml:"ambiguityThreshold" validate:"gt=0,lte=1"`
}

// Default returns the configuration used when no file (or an empty
// file) is supplied. Every overlay is applied on top of these values.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Timeout: TimeoutConfig{Default: Duration(2 * time.Minute)},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   Duration(500 * time.Millisecond),
				Jitter:      0.2,
				Cap:         Duration(30 * time.Second),
			},
			Circuit: CircuitConfig{
				FailureThreshold: 5,
				Cooldown:         Duration(30 * time.Second),
			},
		},
		Session: SessionConfig{
			Expire:  ExpireConfig{After: Duration(7 * 24 * time.Hour)},
			Suspend: SuspendConfig{InputTimeout: Duration(24 * time.Hour)},
		},
		Engine: EngineConfig{
			MaxConcurrentSessions: 64,
			MaxConcurrentPerRole:  4,
		},
		Events: EventsConfig{
			Retention:  RetentionConfig{Size: 1000},
			Subscriber: SubscriberConfig{BufferSize: 256},
		},
		Provenance: ProvenanceConfig{DegradedAfterFailures: 5},
		Validation: ValidationConfig{
			Weight: WeightConfig{Critical: 25, Error: 10, Warning: 2, Info: 0},
		},
		FormatDetection: FormatDetectionConfig{
			AmbiguityThreshold: detect.DefaultAmbiguityThreshold,
		},
	}
}

// DispatchSettings converts the agent and engine sections to dispatch
// settings.
func (c Config) DispatchSettings() dispatch.Settings {
	s := dispatch.Settings{
		DefaultTimeout: c.Agent.Timeout.Default.Std(),
		Retry: dispatch.RetryPolicy{
			MaxAttempts: c.Agent.Retry.MaxAttempts,
			BaseDelay:   c.Agent.Retry.BaseDelay.Std(),
			Jitter:      c.Agent.Retry.Jitter,
			Cap:         c.Agent.Retry.Cap.Std(),
		},
		BreakerThreshold:     c.Agent.Circuit.FailureThreshold,
		BreakerCooldown:      c.Agent.Circuit.Cooldown.Std(),
		MaxConcurrentPerRole: c.Engine.MaxConcurrentPerRole,
	}
	if len(c.Agent.Timeout.Roles) > 0 {
		s.RoleTimeouts = make(map[dispatch.Role]time.Duration, len(c.Agent.Timeout.Roles))
		for role, d := range c.Agent.Timeout.Roles {
			s.RoleTimeouts[dispatch.Role(role)] = d.Std()
		}
	}
	return s
}

// EventRetention converts the events section to log retention bounds.
func (c Config) EventRetention() events.Retention {
	return events.Retention{
		MaxPerSession: c.Events.Retention.Size,
		MaxAge:        c.Events.Retention.Time.Std(),
	}
}

// ValidationWeights converts the validation section to aggregator
// weights.
func (c Config) ValidationWeights() validate.Weights {
	return validate.Weights{
		validate.SeverityCritical: c.Validation.Weight.Critical,
		validate.SeverityError:    c.Validation.Weight.Error,
		validate.SeverityWarning:  c.Validation.Weight.Warning,
		validate.SeverityInfo:     c.Validation.Weight.Info,
	}
}
