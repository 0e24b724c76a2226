package compose

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// inspectProjectName is only used to satisfy the loader; nothing is created under it.
const inspectProjectName = "cvmdeploy-inspect"

// Inspect loads descriptor text with compose-go and summarizes it.
// Environment values are never part of the summary, only their keys.
// This is a pure function - no I/O, no side effects.
func Inspect(text string) (*Summary, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(text)
	if err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	summary := &Summary{
		Services: make([]ServiceSummary, 0, len(project.Services)),
	}
	for _, svc := range project.Services {
		summary.Services = append(summary.Services, summarizeService(svc))
	}
	sort.Slice(summary.Services, func(i, j int) bool {
		return summary.Services[i].Name < summary.Services[j].Name
	})

	for name := range project.Volumes {
		summary.Volumes = append(summary.Volumes, name)
	}
	sort.Strings(summary.Volumes)

	return summary, nil
}

// loadProject loads a descriptor using compose-go
func loadProject(text string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(text), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(text),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(inspectProjectName, false)
		opts.SkipValidation = false
		// Interpolation turns the generator's $$ escapes back into literal $.
		opts.SkipInterpolation = false
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	return project, nil
}

func summarizeService(svc types.ServiceConfig) ServiceSummary {
	summary := ServiceSummary{
		Name:    svc.Name,
		Image:   svc.Image,
		Restart: svc.Restart,
	}

	for _, p := range svc.Ports {
		port := fmt.Sprintf("%d", p.Target)
		if p.Published != "" {
			port = p.Published + ":" + port
		}
		if p.Protocol != "" && p.Protocol != "tcp" {
			port += "/" + p.Protocol
		}
		summary.Ports = append(summary.Ports, port)
	}

	for k := range svc.Environment {
		summary.EnvironmentKeys = append(summary.EnvironmentKeys, k)
	}
	sort.Strings(summary.EnvironmentKeys)

	for _, v := range svc.Volumes {
		summary.Mounts = append(summary.Mounts, v.Source+":"+v.Target)
	}

	return summary
}
