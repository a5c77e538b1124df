// Package provision describes the desired end state of a provisioned host as
// a plan of declarative steps. This is part of the Functional Core: Plan is a
// pure function from a resolved host profile to the steps that converge a host
// onto that state. Executing the plan is the shell's job.
package provision

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/artpar/hostctl/internal/core/hostprofile"
)

// =============================================================================
// Step Model
// =============================================================================

// Policy decides what a failing step does to the run.
type Policy int

const (
	// PolicyFatal aborts the run on failure.
	PolicyFatal Policy = iota
	// PolicyBestEffort logs the failure and continues.
	PolicyBestEffort
)

func (p Policy) String() string {
	if p == PolicyBestEffort {
		return "best-effort"
	}
	return "fatal"
}

// Check is an "already satisfied?" guard. A step whose check holds is skipped.
type Check interface{ isCheck() }

// BinaryPresent holds when the named binary resolves on the search path.
type BinaryPresent struct{ Name string }

// FilePresent holds when Path exists and is a regular file.
type FilePresent struct{ Path string }

// DirPresent holds when the directory exists.
type DirPresent struct{ Path string }

// GroupMember holds when User is a member of Group.
type GroupMember struct{ User, Group string }

func (BinaryPresent) isCheck() {}
func (FilePresent) isCheck()   {}
func (DirPresent) isCheck()    {}
func (GroupMember) isCheck()   {}

// Action is one host mutation.
type Action interface{ isAction() }

// RunCommand runs an external command.
type RunCommand struct{ Argv []string }

// RunScript downloads a shell script and runs it with sh.
type RunScript struct{ URL string }

// DownloadFile downloads URL into Dest with the given mode.
type DownloadFile struct {
	URL  string
	Dest string
	Mode fs.FileMode
}

// WriteFile replaces Path with Data in one atomic write.
type WriteFile struct {
	Path  string
	Data  []byte
	Mode  fs.FileMode
	Owner string
}

// MakeDir creates Path and its parents.
type MakeDir struct {
	Path  string
	Mode  fs.FileMode
	Owner string
}

// InstallSelf copies the running executable to Dest.
type InstallSelf struct {
	Dest  string
	Mode  fs.FileMode
	Owner string
}

func (RunCommand) isAction()   {}
func (RunScript) isAction()    {}
func (DownloadFile) isAction() {}
func (WriteFile) isAction()    {}
func (MakeDir) isAction()      {}
func (InstallSelf) isAction()  {}

// Step is one unit of convergence. A nil Check means the step always applies;
// such steps must be declarative overwrites or naturally idempotent commands.
type Step struct {
	Name     string
	Policy   Policy
	Check    Check
	Actions  []Action
	FollowUp string
}

// =============================================================================
// Options
// =============================================================================

// Options carries the operator-level inputs of a plan.
type Options struct {
	AppDirName     string
	UnitName       string
	ComposeVersion string
	ComposePath    string
	RuntimeGroup   string
	AuxTools       []string
	InvokingUser   string
	Arch           string
	StackFiles     []string
	VendorScript   string
}

// Defaults for Options fields left empty.
const (
	DefaultAppDirName     = "app"
	DefaultUnitName       = "app-stack"
	DefaultComposeVersion = "latest"
	DefaultComposePath    = "/usr/local/bin/docker-compose"
	DefaultRuntimeGroup   = "docker"
	DefaultVendorScript   = "https://get.docker.com"

	ServiceUnitDir   = "/etc/systemd/system"
	LogrotatePath    = "/etc/logrotate.d/docker-containers"
	ContainerLogGlob = "/var/lib/docker/containers/*/*.log"
	DeployScriptName = "deploy.sh"
	BinaryRelPath    = "bin/hostctl"
)

// DefaultAuxTools are the diagnostic utilities installed on a best-effort basis.
var DefaultAuxTools = []string{"htop", "curl", "git"}

// DefaultStackFiles are the base and production stack definitions, in merge order.
var DefaultStackFiles = []string{"docker-compose.yml", "docker-compose.prod.yml"}

func (o Options) withDefaults() Options {
	if o.AppDirName == "" {
		o.AppDirName = DefaultAppDirName
	}
	if o.UnitName == "" {
		o.UnitName = DefaultUnitName
	}
	if o.ComposeVersion == "" {
		o.ComposeVersion = DefaultComposeVersion
	}
	if o.ComposePath == "" {
		o.ComposePath = DefaultComposePath
	}
	if o.RuntimeGroup == "" {
		o.RuntimeGroup = DefaultRuntimeGroup
	}
	if o.AuxTools == nil {
		o.AuxTools = DefaultAuxTools
	}
	if len(o.StackFiles) == 0 {
		o.StackFiles = DefaultStackFiles
	}
	if o.VendorScript == "" {
		o.VendorScript = DefaultVendorScript
	}
	return o
}

// AppDir returns the application directory for a profile.
func AppDir(p hostprofile.Profile, opts Options) string {
	opts = opts.withDefaults()
	return path.Join(p.HomeDir, opts.AppDirName)
}

// UnitPath returns the service unit descriptor path.
func UnitPath(opts Options) string {
	opts = opts.withDefaults()
	return path.Join(ServiceUnitDir, opts.UnitName+".service")
}

// =============================================================================
// Plan
// =============================================================================

// Plan returns the ordered steps that converge a host onto the desired state.
// Given identical inputs it returns identical steps, byte for byte.
func Plan(p hostprofile.Profile, opts Options) ([]Step, error) {
	opts = opts.withDefaults()
	if p.Family == hostprofile.FamilyUnknown || len(p.InstallCommand) == 0 {
		return nil, ErrProfileUnresolved
	}
	composeURL, err := ComposeDownloadURL(opts.ComposeVersion, opts.Arch)
	if err != nil {
		return nil, err
	}

	appDir := AppDir(p, opts)
	binPath := path.Join(appDir, BinaryRelPath)

	unit, err := RenderServiceUnit(ServiceUnit{
		Description:      fmt.Sprintf("Application stack (%s)", opts.AppDirName),
		WorkingDirectory: appDir,
		ComposeBinary:    opts.ComposePath,
		StackFiles:       opts.StackFiles,
		User:             p.ServiceUser,
		Group:            opts.RuntimeGroup,
	})
	if err != nil {
		return nil, err
	}
	rotation, err := RenderLogrotate(DefaultLogrotatePolicy())
	if err != nil {
		return nil, err
	}
	script, err := RenderDeployScript(DeployScript{AppDir: appDir, Binary: binPath})
	if err != nil {
		return nil, err
	}

	steps := []Step{
		{
			Name:    "package-index",
			Policy:  PolicyFatal,
			Actions: []Action{RunCommand{Argv: p.UpdateCommand}},
		},
		runtimeStep(p, opts),
	}
	steps = append(steps, groupSteps(p, opts)...)
	steps = append(steps,
		Step{
			Name:   "orchestration-tool",
			Policy: PolicyFatal,
			// The service unit execs ComposePath, so a copy elsewhere on
			// PATH does not satisfy this step.
			Check: FilePresent{Path: opts.ComposePath},
			Actions: []Action{
				DownloadFile{URL: composeURL, Dest: opts.ComposePath, Mode: 0o755},
			},
		},
		Step{
			Name:    "app-directory",
			Policy:  PolicyFatal,
			Check:   DirPresent{Path: appDir},
			Actions: []Action{MakeDir{Path: appDir, Mode: 0o755, Owner: p.ServiceUser}},
		},
		Step{
			Name:   "service-unit",
			Policy: PolicyFatal,
			Actions: []Action{
				WriteFile{Path: UnitPath(opts), Data: unit, Mode: 0o644},
				RunCommand{Argv: []string{"systemctl", "daemon-reload"}},
				RunCommand{Argv: []string{"systemctl", "enable", opts.UnitName + ".service"}},
			},
		},
	)
	if len(opts.AuxTools) > 0 {
		steps = append(steps, Step{
			Name:    "aux-tools",
			Policy:  PolicyBestEffort,
			Actions: []Action{RunCommand{Argv: p.InstallArgs(opts.AuxTools...)}},
		})
	}
	steps = append(steps,
		Step{
			Name:    "log-rotation",
			Policy:  PolicyFatal,
			Actions: []Action{WriteFile{Path: LogrotatePath, Data: rotation, Mode: 0o644}},
		},
		Step{
			Name:   "deploy-script",
			Policy: PolicyFatal,
			Actions: []Action{
				MakeDir{Path: path.Dir(binPath), Mode: 0o755, Owner: p.ServiceUser},
				InstallSelf{Dest: binPath, Mode: 0o755, Owner: p.ServiceUser},
				WriteFile{Path: path.Join(appDir, DeployScriptName), Data: script, Mode: 0o755, Owner: p.ServiceUser},
			},
		},
	)
	return steps, nil
}

func runtimeStep(p hostprofile.Profile, opts Options) Step {
	var install Action
	switch p.RuntimeInstall {
	case hostprofile.RuntimeInstallNative:
		install = RunCommand{Argv: p.InstallArgs(p.RuntimePackage)}
	default:
		install = RunScript{URL: opts.VendorScript}
	}
	return Step{
		Name:   "container-runtime",
		Policy: PolicyFatal,
		Check:  BinaryPresent{Name: "docker"},
		Actions: []Action{
			install,
			RunCommand{Argv: []string{"systemctl", "enable", "--now", "docker"}},
		},
	}
}

// groupSteps adds the invoking account and the service account to the
// runtime group. Root never needs it and duplicates collapse.
func groupSteps(p hostprofile.Profile, opts Options) []Step {
	var steps []Step
	seen := map[string]bool{"root": true, "": true}
	for _, user := range []string{strings.TrimSpace(opts.InvokingUser), p.ServiceUser} {
		if seen[user] {
			continue
		}
		seen[user] = true
		steps = append(steps, Step{
			Name:   "runtime-group:" + user,
			Policy: PolicyFatal,
			Check:  GroupMember{User: user, Group: opts.RuntimeGroup},
			Actions: []Action{
				RunCommand{Argv: []string{"usermod", "-aG", opts.RuntimeGroup, user}},
			},
			FollowUp: fmt.Sprintf("%s must log out and back in for %s group membership to take effect", user, opts.RuntimeGroup),
		})
	}
	return steps
}

// composeArch maps Go architecture names onto compose release asset names.
var composeArch = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
	"arm":   "armv7",
}

// ComposeDownloadURL returns the released orchestration tool binary URL.
func ComposeDownloadURL(version, goarch string) (string, error) {
	arch, ok := composeArch[goarch]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedArch, goarch)
	}
	asset := "docker-compose-linux-" + arch
	if version == "" || version == "latest" {
		return "https://github.com/docker/compose/releases/latest/download/" + asset, nil
	}
	return fmt.Sprintf("https://github.com/docker/compose/releases/download/%s/%s", version, asset), nil
}
