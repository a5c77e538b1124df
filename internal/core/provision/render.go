package provision

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// =============================================================================
// Service Unit
// =============================================================================

// ServiceUnit is the descriptor handed to the host's service supervisor.
type ServiceUnit struct {
	Description      string
	WorkingDirectory string
	ComposeBinary    string
	StackFiles       []string
	User             string
	Group            string
}

// ExecStart returns the start command of the unit.
func (u ServiceUnit) ExecStart() string {
	return u.composeCommand("up", "-d", "--remove-orphans")
}

// ExecStop returns the stop command of the unit.
func (u ServiceUnit) ExecStop() string {
	return u.composeCommand("down")
}

func (u ServiceUnit) composeCommand(args ...string) string {
	parts := []string{u.ComposeBinary}
	for _, f := range u.StackFiles {
		parts = append(parts, "-f", f)
	}
	return strings.Join(append(parts, args...), " ")
}

var serviceUnitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
Requires=docker.service
After=docker.service network-online.target
Wants=network-online.target

[Service]
Type=oneshot
RemainAfterExit=yes
WorkingDirectory={{.WorkingDirectory}}
ExecStart={{.ExecStart}}
ExecStop={{.ExecStop}}
User={{.User}}
{{- if .Group}}
Group={{.Group}}
{{- end}}
TimeoutStartSec=0

[Install]
WantedBy=multi-user.target
`))

// RenderServiceUnit renders a systemd unit that starts the stack on boot.
func RenderServiceUnit(u ServiceUnit) ([]byte, error) {
	switch {
	case u.WorkingDirectory == "":
		return nil, fmt.Errorf("%w: service unit needs a working directory", ErrInvalidTemplateInput)
	case u.ComposeBinary == "":
		return nil, fmt.Errorf("%w: service unit needs a compose binary", ErrInvalidTemplateInput)
	case u.User == "":
		return nil, fmt.Errorf("%w: service unit needs a run-as user", ErrInvalidTemplateInput)
	case len(u.StackFiles) == 0:
		return nil, fmt.Errorf("%w: service unit needs stack files", ErrInvalidTemplateInput)
	}
	return render(serviceUnitTemplate, u)
}

// =============================================================================
// Log Rotation
// =============================================================================

// LogrotatePolicy is the rotation policy for container log files.
type LogrotatePolicy struct {
	Pattern string
	Rotate  int
	MaxSize string
}

// DefaultLogrotatePolicy keeps seven daily compressed generations, capped at 100M.
func DefaultLogrotatePolicy() LogrotatePolicy {
	return LogrotatePolicy{
		Pattern: ContainerLogGlob,
		Rotate:  7,
		MaxSize: "100M",
	}
}

var logrotateTemplate = template.Must(template.New("logrotate").Parse(`{{.Pattern}} {
    daily
    rotate {{.Rotate}}
    compress
    delaycompress
    missingok
    notifempty
    copytruncate
    maxsize {{.MaxSize}}
}
`))

// RenderLogrotate renders the logrotate policy file.
func RenderLogrotate(p LogrotatePolicy) ([]byte, error) {
	if p.Pattern == "" || p.Rotate <= 0 || p.MaxSize == "" {
		return nil, fmt.Errorf("%w: logrotate policy is incomplete", ErrInvalidTemplateInput)
	}
	return render(logrotateTemplate, p)
}

// =============================================================================
// Deploy Script
// =============================================================================

// DeployScript is the entry point operators and CI call on each release.
type DeployScript struct {
	AppDir string
	Binary string
}

var deployScriptTemplate = template.Must(template.New("deploy").Parse(`#!/bin/sh
# Managed by hostctl provision. Local edits are overwritten.
set -e
cd "{{.AppDir}}"
exec "{{.Binary}}" deploy --dir "{{.AppDir}}" "$@"
`))

// RenderDeployScript renders the deployment entry point script.
func RenderDeployScript(s DeployScript) ([]byte, error) {
	if s.AppDir == "" || s.Binary == "" {
		return nil, fmt.Errorf("%w: deploy script needs app dir and binary", ErrInvalidTemplateInput)
	}
	return render(deployScriptTemplate, s)
}

func render(t *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}
