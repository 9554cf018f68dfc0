package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nomad-idle-scaler/pkg/models"

	nomad "github.com/hashicorp/nomad/api"
	"k8s.io/klog/v2"
)

// NomadOptions configures the Nomad API client.
type NomadOptions struct {
	Address string
	Token   string
	Timeout time.Duration
}

// NomadClient implements Client against the Nomad HTTP API
type NomadClient struct {
	client *nomad.Client
}

func NewNomadClient(opts NomadOptions) (*NomadClient, error) {
	cfg := nomad.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.Token != "" {
		cfg.SecretID = opts.Token
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg.HttpClient = &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}

	client, err := nomad.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create nomad client: %w", err)
	}
	return &NomadClient{client: client}, nil
}

// API exposes the underlying client for the API submitter
func (n *NomadClient) API() *nomad.Client {
	return n.client
}

func (n *NomadClient) GetJob(ctx context.Context, name, namespace string) (*models.BaseJob, error) {
	q := (&nomad.QueryOptions{Namespace: namespace}).WithContext(ctx)
	job, _, err := n.client.Jobs().Info(name, q)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", namespace, name, ErrJobNotFound)
		}
		return nil, fmt.Errorf("get job %s/%s: %w", namespace, name, err)
	}
	// Deregistered jobs stay readable until garbage collection
	if job.Stop != nil && *job.Stop {
		return nil, fmt.Errorf("%s/%s is stopped: %w", namespace, name, ErrJobNotFound)
	}
	return toBaseJob(job), nil
}

func (n *NomadClient) GetAllocations(ctx context.Context, name, namespace string) ([]models.Allocation, error) {
	q := (&nomad.QueryOptions{Namespace: namespace}).WithContext(ctx)
	stubs, _, err := n.client.Jobs().Allocations(name, false, q)
	if err != nil {
		return nil, fmt.Errorf("list allocations of %s/%s: %w", namespace, name, err)
	}

	allocs := make([]models.Allocation, 0, len(stubs))
	for _, s := range stubs {
		allocs = append(allocs, models.Allocation{
			ID:           s.ID,
			NodeName:     s.NodeName,
			ClientStatus: s.ClientStatus,
		})
	}
	return allocs, nil
}

func (n *NomadClient) DeregisterJob(ctx context.Context, name, namespace string) error {
	q := (&nomad.WriteOptions{Namespace: namespace}).WithContext(ctx)
	evalID, _, err := n.client.Jobs().Deregister(name, false, q)
	if err != nil {
		return fmt.Errorf("deregister job %s/%s: %w", namespace, name, err)
	}
	klog.V(3).Infof("Deregistered job %s/%s (evaluation %s)", namespace, name, evalID)
	return nil
}

// isNotFound matches the status carried by nomad.UnexpectedResponseError
func isNotFound(err error) bool {
	var coded interface{ StatusCode() int }
	return errors.As(err, &coded) && coded.StatusCode() == http.StatusNotFound
}

func toBaseJob(job *nomad.Job) *models.BaseJob {
	base := &models.BaseJob{
		Name:        deref(job.Name),
		Namespace:   deref(job.Namespace),
		Datacenters: job.Datacenters,
		Meta:        job.Meta,
	}

	for _, tg := range job.TaskGroups {
		if tg == nil {
			continue
		}
		group := models.TaskGroup{Name: deref(tg.Name)}

		for _, c := range tg.Constraints {
			if c == nil {
				continue
			}
			group.Constraints = append(group.Constraints, models.Constraint{
				LTarget: c.LTarget,
				Operand: c.Operand,
				RTarget: c.RTarget,
			})
		}

		for _, network := range tg.Networks {
			if network == nil {
				continue
			}
			for _, p := range network.ReservedPorts {
				group.ReservedPorts = append(group.ReservedPorts, models.Port{Label: p.Label, Value: p.Value, To: p.To})
			}
		}

		for _, svc := range tg.Services {
			group.HealthCheckPaths = append(group.HealthCheckPaths, checkPaths(svc)...)
		}

		for _, task := range tg.Tasks {
			if task == nil {
				continue
			}
			group.Tasks = append(group.Tasks, toTask(task))
			for _, svc := range task.Services {
				group.HealthCheckPaths = append(group.HealthCheckPaths, checkPaths(svc)...)
			}
		}

		base.TaskGroups = append(base.TaskGroups, group)
	}
	return base
}

func toTask(task *nomad.Task) models.Task {
	t := models.Task{
		Name:   task.Name,
		Driver: task.Driver,
	}

	if image, ok := task.Config["image"].(string); ok {
		t.Image = image
	}
	if servers, ok := task.Config["dns_servers"].([]interface{}); ok {
		for _, s := range servers {
			if str, ok := s.(string); ok {
				t.DNSServers = append(t.DNSServers, str)
			}
		}
	}

	if task.Resources != nil {
		if task.Resources.CPU != nil {
			t.Resources.CPU = *task.Resources.CPU
		}
		if task.Resources.MemoryMB != nil {
			t.Resources.MemoryMB = *task.Resources.MemoryMB
		}
	}

	if task.Vault != nil {
		t.VaultRole = task.Vault.Role
	}
	for _, tmpl := range task.Templates {
		if tmpl != nil && tmpl.EmbeddedTmpl != nil {
			t.EmbeddedTmpls = append(t.EmbeddedTmpls, *tmpl.EmbeddedTmpl)
		}
	}
	return t
}

func checkPaths(svc *nomad.Service) []string {
	if svc == nil {
		return nil
	}
	var paths []string
	for _, check := range svc.Checks {
		if check.Path != "" {
			paths = append(paths, check.Path)
		}
	}
	return paths
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
