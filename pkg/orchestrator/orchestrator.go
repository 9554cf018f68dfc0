// Package orchestrator is the job-control boundary to the cluster scheduler.
package orchestrator

import (
	"context"
	"errors"

	"nomad-idle-scaler/pkg/models"
)

// ErrJobNotFound is returned when the orchestrator has no job with the given name
var ErrJobNotFound = errors.New("job not found")

// Client reads and removes jobs.
type Client interface {
	GetJob(ctx context.Context, name, namespace string) (*models.BaseJob, error)
	GetAllocations(ctx context.Context, name, namespace string) ([]models.Allocation, error)
	DeregisterJob(ctx context.Context, name, namespace string) error
}

// Submitter deploys a rendered job artifact.
type Submitter interface {
	Submit(ctx context.Context, artifactPath string) error
}

// SubmitMode selects how artifacts reach the orchestrator
type SubmitMode string

const (
	// SubmitCLI shells out to the nomad binary
	SubmitCLI SubmitMode = "cli"
	// SubmitAPI parses and registers the artifact over the HTTP API
	SubmitAPI SubmitMode = "api"
)
