package compose

import (
	"context"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Types
// =============================================================================

// File is one stack definition file. Later files override earlier ones.
type File struct {
	Name    string
	Content []byte
}

// Input is everything needed to resolve a stack.
type Input struct {
	WorkingDir  string
	Files       []File
	Environment map[string]string
}

// Service is the part of a service definition the runner cares about.
type Service struct {
	Name      string   `json:"name"`
	Image     string   `json:"image,omitempty"`
	HasBuild  bool     `json:"has_build,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Stack is the merged result of all stack definition files.
type Stack struct {
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// Images returns the distinct images referenced by the stack, sorted.
func (s *Stack) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, svc := range s.Services {
		if svc.Image == "" || seen[svc.Image] {
			continue
		}
		seen[svc.Image] = true
		images = append(images, svc.Image)
	}
	sort.Strings(images)
	return images
}

// ServiceNames returns the service names in stack order.
func (s *Stack) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		names = append(names, svc.Name)
	}
	return names
}

// =============================================================================
// Loading
// =============================================================================

// ProjectName derives the project name the orchestration tool would use for
// a working directory: COMPOSE_PROJECT_NAME if set, else the directory name.
func ProjectName(workingDir string, env map[string]string) string {
	if name := strings.TrimSpace(env["COMPOSE_PROJECT_NAME"]); name != "" {
		return loader.NormalizeProjectName(name)
	}
	base := workingDir
	if i := strings.LastIndexAny(strings.TrimRight(base, "/"), "/"); i >= 0 {
		base = strings.TrimRight(base, "/")[i+1:]
	}
	return loader.NormalizeProjectName(base)
}

// LoadStack merges the stack files in order and validates the result.
// Environment values are used for interpolation only and are not checked.
func LoadStack(in Input) (*Stack, error) {
	if len(in.Files) == 0 {
		return nil, ErrNoFiles
	}

	configFiles := make([]types.ConfigFile, 0, len(in.Files))
	for _, f := range in.Files {
		if strings.TrimSpace(string(f.Content)) == "" {
			return nil, NewParseError(f.Name, "", "file is empty", ErrEmptyInput)
		}
		var dict map[string]interface{}
		if err := yaml.Unmarshal(f.Content, &dict); err != nil || dict == nil {
			return nil, NewParseError(f.Name, "", "invalid YAML syntax", ErrInvalidYAML)
		}
		configFiles = append(configFiles, types.ConfigFile{
			Filename: f.Name,
			Content:  f.Content,
			Config:   dict,
		})
	}

	env := types.Mapping{}
	for k, v := range in.Environment {
		env[k] = v
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		WorkingDir:  in.WorkingDir,
		ConfigFiles: configFiles,
		Environment: env,
	}, func(opts *loader.Options) {
		opts.SetProjectName(ProjectName(in.WorkingDir, in.Environment), false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.SkipResolveEnvironment = true
	})
	if err != nil {
		return nil, classifyLoadError(err)
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	stack := &Stack{
		Name:     project.Name,
		Services: make([]Service, 0, len(project.Services)),
	}
	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		stack.Services = append(stack.Services, converted)
	}
	sort.Slice(stack.Services, func(i, j int) bool {
		return stack.Services[i].Name < stack.Services[j].Name
	})

	if err := detectCircularDependencies(stack.Services); err != nil {
		return nil, err
	}
	return stack, nil
}

func classifyLoadError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "dependency cycle detected"):
		return NewParseError("", "", "circular dependency detected", ErrCircularDependency)
	case strings.Contains(msg, "image") && strings.Contains(msg, "build"):
		return NewParseError("", "", msg, ErrServiceNoImage)
	default:
		return NewParseError("", "", msg, ErrInvalidYAML)
	}
}

func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:     svc.Name,
		Image:    svc.Image,
		HasBuild: svc.Build != nil,
	}
	if service.Image == "" && !service.HasBuild {
		return Service{}, NewParseError("", "services."+svc.Name, "service must have image or build", ErrServiceNoImage)
	}
	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)
	return service, nil
}

// detectCircularDependencies detects circular dependencies in service dependencies
func detectCircularDependencies(services []Service) error {
	deps := make(map[string][]string)
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for _, dep := range deps[node] {
			if dep == node {
				return true
			}
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for _, svc := range services {
		if !visited[svc.Name] && hasCycle(svc.Name) {
			return ErrCircularDependency
		}
	}
	return nil
}
