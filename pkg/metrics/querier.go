package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promapi "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"
)

// Sample is one labeled value of an instant query result
type Sample struct {
	Labels map[string]string
	Value  float64
}

// Querier executes instant queries against a metrics backend.
type Querier interface {
	Query(ctx context.Context, query string) ([]Sample, error)
}

// PrometheusOptions configures the Prometheus querier.
type PrometheusOptions struct {
	Address         string
	BearerTokenFile string
	Timeout         time.Duration
}

// PrometheusQuerier runs queries through the Prometheus HTTP API.
type PrometheusQuerier struct {
	api     promapi.API
	timeout time.Duration
}

// NewPrometheusQuerier creates a querier for the Prometheus server at opts.Address.
func NewPrometheusQuerier(opts PrometheusOptions) (*PrometheusQuerier, error) {
	if opts.Address == "" {
		return nil, errors.New("prometheus address is required")
	}

	client, err := api.NewClient(api.Config{
		Address: opts.Address,
		RoundTripper: &bearerAuthRoundTripper{
			parent: api.DefaultRoundTripper,
			token:  readTokenFile(opts.BearerTokenFile),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &PrometheusQuerier{api: promapi.NewAPI(client), timeout: timeout}, nil
}

// Query runs an instant query and flattens the resulting vector.
func (q *PrometheusQuerier) Query(ctx context.Context, query string) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	value, warnings, err := q.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		klog.Warningf("Prometheus warning: %s", w)
	}

	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", value)
	}
	return vectorToSamples(vector), nil
}

func vectorToSamples(vector model.Vector) []Sample {
	samples := make([]Sample, 0, len(vector))
	for _, s := range vector {
		labels := make(map[string]string, len(s.Metric))
		for k, v := range s.Metric {
			labels[string(k)] = string(v)
		}
		samples = append(samples, Sample{Labels: labels, Value: float64(s.Value)})
	}
	return samples
}

type bearerAuthRoundTripper struct {
	parent http.RoundTripper
	token  string
}

func (rt *bearerAuthRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+rt.token)
	}
	parent := rt.parent
	if parent == nil {
		parent = http.DefaultTransport
	}
	return parent.RoundTrip(req)
}

func readTokenFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		klog.Warningf("Failed to read bearer token file %s: %v", path, err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
