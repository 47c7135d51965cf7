package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// DefaultPrometheusQuery reads the queue depth gauge exported by the RAG workers.
const DefaultPrometheusQuery = `sum(agent_queue_depth{queue="default"})`

// ErrNoSamples is returned when a query matched no series.
var ErrNoSamples = errors.New("query returned no samples")

// Prometheus evaluates an instant PromQL query that must yield one sample.
type Prometheus struct {
	api    v1.API
	query  string
	now    func() time.Time
	logger *zap.Logger
}

// NewPrometheus builds a source querying the Prometheus server at address.
func NewPrometheus(address, query string, logger *zap.Logger) (*Prometheus, error) {
	c, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("%w: prometheus client: %w", autoscale.ErrInvalidConfiguration, err)
	}
	return NewPrometheusFromAPI(v1.NewAPI(c), query, logger), nil
}

func NewPrometheusFromAPI(a v1.API, query string, logger *zap.Logger) *Prometheus {
	if query == "" {
		query = DefaultPrometheusQuery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prometheus{api: a, query: query, now: time.Now, logger: logger}
}

func (p *Prometheus) ReadBacklog(ctx context.Context) (int64, error) {
	val, warnings, err := p.api.Query(ctx, p.query, p.now())
	if err != nil {
		return 0, fmt.Errorf("prometheus query: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Debug("prometheus query warnings", zap.String("query", p.query), zap.Strings("warnings", warnings))
	}

	var sample model.SampleValue
	switch v := val.(type) {
	case model.Vector:
		switch len(v) {
		case 0:
			return 0, fmt.Errorf("%q: %w", p.query, ErrNoSamples)
		case 1:
			sample = v[0].Value
		default:
			// a query that fans out will never become valid on its own
			return 0, fmt.Errorf("%w: query %q returned %d series, aggregate it to one",
				autoscale.ErrInvalidConfiguration, p.query, len(v))
		}
	case *model.Scalar:
		sample = v.Value
	default:
		return 0, fmt.Errorf("%w: query %q returned %s, want vector or scalar",
			autoscale.ErrInvalidConfiguration, p.query, val.Type())
	}

	f := float64(sample)
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("%q: unusable sample %v", p.query, f)
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64, nil
	}
	// fractional gauges round up so capacity is never under-counted
	return int64(math.Ceil(f)), nil
}

func (p *Prometheus) String() string { return "prometheus:" + p.query }
