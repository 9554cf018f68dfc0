// Package jobspec materializes job variants as submittable artifacts.
package jobspec

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"nomad-idle-scaler/pkg/models"

	"k8s.io/klog/v2"
)

//go:embed templates/job.hcl.tmpl
var templatesFS embed.FS

const defaultTemplate = "templates/job.hcl.tmpl"

var (
	ErrNoTaskGroup = errors.New("job has no task group")
	ErrNoTask      = errors.New("task group has no task")
)

// DefaultIdleProfile is the sizing of idle variants
var DefaultIdleProfile = models.ResourceProfile{CPU: 50, MemoryMB: 64}

// Options configures the Generator.
type Options struct {
	JobsDir      string
	TemplateFile string // empty uses the embedded template
	RegistryUser string
	RegistryPass string
	IdleProfile  models.ResourceProfile
}

// Request describes one variant to materialize
type Request struct {
	Base       *models.BaseJob
	Identity   models.JobIdentity
	Variant    models.Variant
	TargetNode string // empty renders no node constraint
}

// Generator renders variants from a base job
type Generator struct {
	tmpl    *template.Template
	options Options
}

func NewGenerator(opts Options) (*Generator, error) {
	if opts.JobsDir == "" {
		opts.JobsDir = "jobs"
	}
	if opts.IdleProfile == (models.ResourceProfile{}) {
		opts.IdleProfile = DefaultIdleProfile
	}

	funcs := template.FuncMap{
		"quote":     strconv.Quote,
		"hclEscape": hclEscape,
	}

	var (
		tmpl *template.Template
		err  error
	)
	if opts.TemplateFile != "" {
		tmpl, err = template.New(filepath.Base(opts.TemplateFile)).Funcs(funcs).ParseFiles(opts.TemplateFile)
	} else {
		tmpl, err = template.New(filepath.Base(defaultTemplate)).Funcs(funcs).ParseFS(templatesFS, defaultTemplate)
	}
	if err != nil {
		return nil, fmt.Errorf("parse job template: %w", err)
	}

	return &Generator{tmpl: tmpl, options: opts}, nil
}

type templateData struct {
	JobName         string
	Datacenter      string
	Namespace       string
	GroupName       string
	TaskName        string
	Driver          string
	ExposedPort     int
	ContainerPort   int
	HealthCheckPath string
	DNSServers      string
	Image           string
	RegistryUser    string
	RegistryPass    string
	VaultRole       string
	VaultTemplate   string
	CPU             int
	MemoryMB        int
	TargetNode      string
	Meta            map[string]string
}

// Generate renders the requested variant and writes it to
// <jobs-dir>/<group>/<job-name>.hcl.
func (g *Generator) Generate(req Request) (*models.JobPlacement, error) {
	data, profile, err := g.templateData(req)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", data.JobName, err)
	}

	path := g.ArtifactPath(data.GroupName, data.JobName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	// artifacts may carry registry credentials
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	klog.V(3).Infof("Rendered %s variant of %s to %s", req.Variant, req.Identity, path)

	return &models.JobPlacement{
		Identity:     req.Identity,
		Variant:      req.Variant,
		NodeName:     req.TargetNode,
		Profile:      profile,
		ArtifactPath: path,
	}, nil
}

// ArtifactPath is the deterministic location of a rendered job
func (g *Generator) ArtifactPath(group, jobName string) string {
	return filepath.Join(g.options.JobsDir, group, jobName+".hcl")
}

// BaseArtifact returns the hand-maintained artifact of a base job,
// <jobs-dir>/<job>/<job>.hcl, if it exists.
func (g *Generator) BaseArtifact(baseName string) (string, bool) {
	path := filepath.Join(g.options.JobsDir, baseName, baseName+".hcl")
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path, true
	}
	return "", false
}

// IdleProfile returns the configured idle sizing
func (g *Generator) IdleProfile() models.ResourceProfile {
	return g.options.IdleProfile
}

func (g *Generator) templateData(req Request) (templateData, models.ResourceProfile, error) {
	base := req.Base
	if base == nil || len(base.TaskGroups) == 0 {
		return templateData{}, models.ResourceProfile{}, ErrNoTaskGroup
	}
	tg := base.TaskGroups[0]
	if len(tg.Tasks) == 0 {
		return templateData{}, models.ResourceProfile{}, fmt.Errorf("group %s: %w", tg.Name, ErrNoTask)
	}
	task := tg.Tasks[0]

	original := OriginalProfile(base)
	profile := original
	if req.Variant == models.VariantIdle {
		profile = g.options.IdleProfile
	}

	dns := task.DNSServers
	if dns == nil {
		dns = []string{}
	}
	dnsJSON, err := json.Marshal(dns)
	if err != nil {
		return templateData{}, models.ResourceProfile{}, fmt.Errorf("encode dns servers: %w", err)
	}

	driver := task.Driver
	if driver == "" {
		driver = "docker"
	}

	data := templateData{
		JobName:      req.Identity.NameFor(req.Variant),
		Namespace:    req.Identity.Namespace,
		GroupName:    tg.Name,
		TaskName:     task.Name,
		Driver:       driver,
		DNSServers:   string(dnsJSON),
		Image:        task.Image,
		RegistryUser: g.options.RegistryUser,
		RegistryPass: g.options.RegistryPass,
		VaultRole:    task.VaultRole,
		CPU:          profile.CPU,
		MemoryMB:     profile.MemoryMB,
		TargetNode:   req.TargetNode,
		Meta: map[string]string{
			models.MetaOriginalCPU:    strconv.Itoa(original.CPU),
			models.MetaOriginalMemory: strconv.Itoa(original.MemoryMB),
			models.MetaVariant:        string(req.Variant),
		},
	}
	if len(base.Datacenters) > 0 {
		data.Datacenter = base.Datacenters[0]
	}
	if len(tg.ReservedPorts) > 0 {
		data.ExposedPort = tg.ReservedPorts[0].Value
		data.ContainerPort = tg.ReservedPorts[0].To
	}
	if len(tg.HealthCheckPaths) > 0 {
		data.HealthCheckPath = tg.HealthCheckPaths[0]
	}
	if len(task.EmbeddedTmpls) > 0 {
		data.VaultTemplate = task.EmbeddedTmpls[0]
	}
	if data.TaskName == "" {
		data.TaskName = tg.Name
	}

	return data, profile, nil
}

// OriginalProfile returns the full sizing of a job. Variants rendered by this
// package carry it in their meta, which wins over the task resources.
func OriginalProfile(base *models.BaseJob) models.ResourceProfile {
	var profile models.ResourceProfile
	if len(base.TaskGroups) > 0 && len(base.TaskGroups[0].Tasks) > 0 {
		profile = base.TaskGroups[0].Tasks[0].Resources
	}

	cpu, cpuErr := strconv.Atoi(base.Meta[models.MetaOriginalCPU])
	mem, memErr := strconv.Atoi(base.Meta[models.MetaOriginalMemory])
	if cpuErr == nil && memErr == nil && cpu > 0 && mem > 0 {
		profile = models.ResourceProfile{CPU: cpu, MemoryMB: mem}
	}
	return profile
}

// hclEscape keeps HCL from interpolating template text inside a heredoc.
func hclEscape(s string) string {
	s = strings.ReplaceAll(s, "${", "$${")
	return strings.ReplaceAll(s, "%{", "%%{")
}
