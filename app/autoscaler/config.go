package autoscaler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/arpitnath/rag-queue-autoscale/pkg/source"
	"github.com/arpitnath/rag-queue-autoscale/pkg/utils"
	"gopkg.in/yaml.v3"
)

// Source types.
const (
	SourceRedisList   = "redis-list"
	SourceRedisStream = "redis-stream"
	SourcePrometheus  = "prometheus"
	SourceTemporal    = "temporal"
	SourceHTTP        = "http"
	SourceStatic      = "static"
)

// Target types.
const (
	TargetKubernetes = "kubernetes"
	TargetLog        = "log"
	TargetMemory     = "memory"
)

// Scaling defaults applied before a workload's own settings.
const (
	DefaultThreshold           = 5
	DefaultMinReplicas         = 1
	DefaultMaxReplicas         = 20
	DefaultPollingInterval     = 5 * time.Second
	DefaultCooldownPeriod      = 300 * time.Second
	DefaultStabilizationWindow = 60 * time.Second
)

// SourceSpec selects and parameterizes a metric source.
type SourceSpec struct {
	Type string `yaml:"type" json:"type"`

	// redis-list
	Queue string `yaml:"queue,omitempty" json:"queue,omitempty"`
	// redis-stream
	Stream string `yaml:"stream,omitempty" json:"stream,omitempty"`
	Group  string `yaml:"group,omitempty" json:"group,omitempty"`
	// prometheus
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
	Query   string `yaml:"query,omitempty" json:"query,omitempty"`
	// temporal
	TaskQueue string `yaml:"taskQueue,omitempty" json:"taskQueue,omitempty"`
	// http
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// static
	Backlog int64 `yaml:"backlog,omitempty" json:"backlog,omitempty"`
}

// TargetSpec selects and parameterizes a scale target.
type TargetSpec struct {
	Type string `yaml:"type" json:"type"`

	// kubernetes
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	Kind      string `yaml:"kind,omitempty" json:"kind,omitempty"`
	// log and memory
	Replicas int32 `yaml:"replicas,omitempty" json:"replicas,omitempty"`
}

// WorkloadSpec is one scaled workload: where its backlog is read, what is
// scaled and how.
type WorkloadSpec struct {
	Name    string           `yaml:"name" json:"name"`
	Source  SourceSpec       `yaml:"source" json:"source"`
	Target  TargetSpec       `yaml:"target" json:"target"`
	Scaling autoscale.Config `yaml:",inline" json:"scaling"`
}

// DefaultWorkloadSpec returns a spec carrying the scaling defaults.
func DefaultWorkloadSpec() WorkloadSpec {
	return WorkloadSpec{
		Source: SourceSpec{Type: SourceRedisList, Queue: source.DefaultQueue},
		Target: TargetSpec{Type: TargetKubernetes},
		Scaling: autoscale.Config{
			MinReplicas:         DefaultMinReplicas,
			MaxReplicas:         DefaultMaxReplicas,
			Threshold:           DefaultThreshold,
			PollingInterval:     DefaultPollingInterval,
			CooldownPeriod:      DefaultCooldownPeriod,
			StabilizationWindow: DefaultStabilizationWindow,
		},
	}
}

// Config returns the scaling configuration with derived defaults filled in.
func (w WorkloadSpec) Config() autoscale.Config {
	return w.Scaling.WithDefaults()
}

// Validate checks everything that can be checked without dialing a backend.
func (w WorkloadSpec) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: workload name must not be blank", autoscale.ErrInvalidConfiguration)
	}
	switch w.Source.Type {
	case SourceRedisList, SourceStatic:
	case SourceRedisStream:
		if w.Source.Stream == "" {
			return invalidf(w.Name, "source %s needs a stream", w.Source.Type)
		}
	case SourcePrometheus:
		if w.Source.Address == "" {
			return invalidf(w.Name, "source %s needs an address", w.Source.Type)
		}
	case SourceTemporal:
		if w.Source.TaskQueue == "" {
			return invalidf(w.Name, "source %s needs a taskQueue", w.Source.Type)
		}
	case SourceHTTP:
		if w.Source.URL == "" {
			return invalidf(w.Name, "source %s needs a url", w.Source.Type)
		}
	default:
		return invalidf(w.Name, "unknown source type %q", w.Source.Type)
	}
	if w.Source.Backlog < 0 {
		return invalidf(w.Name, "static backlog must be >= 0, got %d", w.Source.Backlog)
	}

	switch w.Target.Type {
	case TargetKubernetes:
		if w.Target.Name == "" {
			return invalidf(w.Name, "target %s needs a name", w.Target.Type)
		}
	case TargetLog, TargetMemory:
		if w.Target.Replicas < 0 {
			return invalidf(w.Name, "target replicas must be >= 0, got %d", w.Target.Replicas)
		}
	default:
		return invalidf(w.Name, "unknown target type %q", w.Target.Type)
	}

	if err := w.Config().Validate(); err != nil {
		return fmt.Errorf("workload %s: %w", w.Name, err)
	}
	return nil
}

func invalidf(workload, format string, args ...any) error {
	return fmt.Errorf("%w: workload %s: %s", autoscale.ErrInvalidConfiguration, workload, fmt.Sprintf(format, args...))
}

type workloadsFile struct {
	Workloads []yaml.Node `yaml:"workloads"`
}

// LoadWorkloads reads a workloads file. Every entry starts from
// DefaultWorkloadSpec, so omitted settings keep their defaults.
func LoadWorkloads(path string) ([]WorkloadSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workloads file: %w", err)
	}
	return ParseWorkloads(raw)
}

// ParseWorkloads decodes and validates a workloads document.
func ParseWorkloads(raw []byte) ([]WorkloadSpec, error) {
	var f workloadsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode workloads: %w", autoscale.ErrInvalidConfiguration, err)
	}

	specs := make([]WorkloadSpec, 0, len(f.Workloads))
	seen := make(map[string]struct{}, len(f.Workloads))
	for i := range f.Workloads {
		spec := DefaultWorkloadSpec()
		if err := f.Workloads[i].Decode(&spec); err != nil {
			return nil, fmt.Errorf("%w: workload #%d: %w", autoscale.ErrInvalidConfiguration, i, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, invalidf(spec.Name, "declared more than once")
		}
		seen[spec.Name] = struct{}{}
		specs = append(specs, spec)
	}
	return specs, nil
}

// WorkloadFromEnv builds a single workload from environment variables, for
// deployments that scale exactly one thing.
func WorkloadFromEnv() (WorkloadSpec, error) {
	w := DefaultWorkloadSpec()
	w.Name = utils.Env("WORKLOAD_NAME", "rag-worker")

	w.Source = SourceSpec{
		Type:      utils.Env("SOURCE_TYPE", SourceRedisList),
		Queue:     utils.Env("QUEUE_NAME", source.DefaultQueue),
		Stream:    utils.Env("REDIS_STREAM", ""),
		Group:     utils.Env("REDIS_GROUP", ""),
		Address:   utils.Env("PROMETHEUS_ADDR", ""),
		Query:     utils.Env("PROMETHEUS_QUERY", source.DefaultPrometheusQuery),
		TaskQueue: utils.Env("TEMPORAL_TASK_QUEUE", ""),
		URL:       utils.Env("BACKLOG_URL", ""),
		Backlog:   utils.EnvInt64("STATIC_BACKLOG", 0),
	}
	w.Target = TargetSpec{
		Type:      utils.Env("TARGET_TYPE", TargetKubernetes),
		Namespace: utils.Env("K8S_NAMESPACE", "default"),
		Name:      utils.Env("TARGET_NAME", w.Name),
		Kind:      utils.Env("TARGET_KIND", "Deployment"),
		Replicas:  int32(utils.EnvInt("TARGET_REPLICAS", 1)),
	}

	s := &w.Scaling
	s.MinReplicas = int32(utils.EnvInt("MIN_REPLICAS", DefaultMinReplicas))
	s.MaxReplicas = int32(utils.EnvInt("MAX_REPLICAS", DefaultMaxReplicas))
	s.Threshold = utils.EnvFloat("THRESHOLD", DefaultThreshold)
	s.PollingInterval = utils.EnvDuration("POLLING_INTERVAL", DefaultPollingInterval)
	s.CooldownPeriod = utils.EnvDuration("COOLDOWN_PERIOD", DefaultCooldownPeriod)
	s.StabilizationWindow = utils.EnvDuration("STABILIZATION_WINDOW", DefaultStabilizationWindow)
	s.ScaleUpStepLimit = utils.EnvOptionalInt("SCALE_UP_STEP_LIMIT")
	s.IdleReplicas = utils.EnvOptionalInt("IDLE_REPLICAS")
	s.CallTimeout = utils.EnvDuration("CALL_TIMEOUT", 0)
	s.DriftTolerance = utils.EnvInt("DRIFT_TOLERANCE", autoscale.DefaultDriftTolerance)

	if err := w.Validate(); err != nil {
		return WorkloadSpec{}, err
	}
	return w, nil
}
