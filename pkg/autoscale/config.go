package autoscale

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultDriftTolerance = 3
)

// Config is the per-workload scaling configuration. It is immutable once a
// Loop has been built from it.
type Config struct {
	MinReplicas int32   `yaml:"minReplicas" json:"minReplicas"`
	MaxReplicas int32   `yaml:"maxReplicas" json:"maxReplicas"`
	Threshold   float64 `yaml:"threshold" json:"threshold"`

	PollingInterval     time.Duration `yaml:"pollingInterval" json:"pollingInterval"`
	CooldownPeriod      time.Duration `yaml:"cooldownPeriod" json:"cooldownPeriod"`
	StabilizationWindow time.Duration `yaml:"stabilizationWindow" json:"stabilizationWindow"`

	// ScaleUpStepLimit caps replicas added per tick. nil means unbounded.
	ScaleUpStepLimit *int32 `yaml:"scaleUpStepLimit,omitempty" json:"scaleUpStepLimit,omitempty"`
	// IdleReplicas is the raw target when the backlog is exactly zero. nil means MinReplicas.
	IdleReplicas *int32 `yaml:"idleReplicas,omitempty" json:"idleReplicas,omitempty"`

	// CallTimeout bounds every source/target call. Zero means PollingInterval/2.
	CallTimeout time.Duration `yaml:"callTimeout,omitempty" json:"callTimeout,omitempty"`
	// DriftTolerance is the number of consecutive ticks the reported replica
	// count may disagree with the last command before drift is reported.
	DriftTolerance int `yaml:"driftTolerance,omitempty" json:"driftTolerance,omitempty"`
}

// WithDefaults fills the optional knobs that have derived defaults.
func (c Config) WithDefaults() Config {
	if c.CallTimeout == 0 && c.PollingInterval > 0 {
		c.CallTimeout = c.PollingInterval / 2
	}
	if c.DriftTolerance == 0 {
		c.DriftTolerance = DefaultDriftTolerance
	}
	return c
}

// Validate reports the first violated constraint, wrapped in ErrInvalidConfiguration.
func (c Config) Validate() error {
	switch {
	case c.MinReplicas < 0:
		return invalid("minReplicas must be >= 0, got %d", c.MinReplicas)
	case c.MaxReplicas < c.MinReplicas:
		return invalid("maxReplicas (%d) must be >= minReplicas (%d)", c.MaxReplicas, c.MinReplicas)
	case math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) || c.Threshold <= 0:
		return invalid("threshold must be a positive number, got %v", c.Threshold)
	case c.PollingInterval <= 0:
		return invalid("pollingInterval must be > 0, got %s", c.PollingInterval)
	case c.CooldownPeriod < 0:
		return invalid("cooldownPeriod must be >= 0, got %s", c.CooldownPeriod)
	case c.StabilizationWindow < 0:
		return invalid("stabilizationWindow must be >= 0, got %s", c.StabilizationWindow)
	case c.CallTimeout < 0 || c.CallTimeout > c.PollingInterval:
		return invalid("callTimeout must be within (0, pollingInterval], got %s", c.CallTimeout)
	case c.DriftTolerance < 0:
		return invalid("driftTolerance must be >= 0, got %d", c.DriftTolerance)
	}
	if c.ScaleUpStepLimit != nil && *c.ScaleUpStepLimit <= 0 {
		return invalid("scaleUpStepLimit must be > 0 when set, got %d", *c.ScaleUpStepLimit)
	}
	if c.IdleReplicas != nil && (*c.IdleReplicas < c.MinReplicas || *c.IdleReplicas > c.MaxReplicas) {
		return invalid("idleReplicas (%d) must be within [minReplicas, maxReplicas] = [%d, %d]",
			*c.IdleReplicas, c.MinReplicas, c.MaxReplicas)
	}
	return nil
}

func (c Config) idleReplicas() int32 {
	if c.IdleReplicas != nil {
		return *c.IdleReplicas
	}
	return c.MinReplicas
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return c.PollingInterval / 2
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfiguration}, args...)...)
}

// Int32 returns a pointer to v, for the optional Config fields.
func Int32(v int32) *int32 { return &v }
