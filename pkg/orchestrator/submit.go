package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	nomad "github.com/hashicorp/nomad/api"
	"k8s.io/klog/v2"
)

// CLISubmitter runs `nomad job run <artifact>`. A non-zero exit is an error.
type CLISubmitter struct {
	Binary  string
	Address string
	Token   string
}

func (s *CLISubmitter) Submit(ctx context.Context, artifactPath string) error {
	binary := s.Binary
	if binary == "" {
		binary = "nomad"
	}

	cmd := exec.CommandContext(ctx, binary, "job", "run", artifactPath)
	cmd.Env = os.Environ()
	if s.Address != "" {
		cmd.Env = append(cmd.Env, "NOMAD_ADDR="+s.Address)
	}
	if s.Token != "" {
		cmd.Env = append(cmd.Env, "NOMAD_TOKEN="+s.Token)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s job run %s failed: %w: %s", binary, artifactPath, err, strings.TrimSpace(string(output)))
	}
	klog.V(4).Infof("nomad job run %s: %s", artifactPath, strings.TrimSpace(string(output)))
	return nil
}

// APISubmitter parses an HCL artifact through the Nomad API and registers it.
type APISubmitter struct {
	Client *nomad.Client
}

func (s *APISubmitter) Submit(ctx context.Context, artifactPath string) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	job, err := s.Client.Jobs().ParseHCL(string(data), true)
	if err != nil {
		return fmt.Errorf("parse artifact %s: %w", artifactPath, err)
	}

	q := &nomad.WriteOptions{}
	if job.Namespace != nil {
		q.Namespace = *job.Namespace
	}
	resp, _, err := s.Client.Jobs().Register(job, q.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("register job from %s: %w", artifactPath, err)
	}
	klog.V(3).Infof("Registered %s (evaluation %s)", artifactPath, resp.EvalID)
	return nil
}
