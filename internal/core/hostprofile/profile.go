// Package hostprofile resolves the OS-family specific parameters that drive
// host provisioning. This is part of the Functional Core: the package reads
// no files and runs no commands, callers hand it the os-release content.
package hostprofile

import (
	"fmt"
	"strings"

	"github.com/compose-spec/compose-go/v2/dotenv"
)

// =============================================================================
// Families
// =============================================================================

// Family is the closed set of supported host operating system families.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyAmazon
	FamilyDebian
	FamilyRHEL
)

func (f Family) String() string {
	switch f {
	case FamilyAmazon:
		return "amazon"
	case FamilyDebian:
		return "debian"
	case FamilyRHEL:
		return "rhel"
	default:
		return "unknown"
	}
}

// RuntimeInstall selects how the container runtime is installed on a family.
type RuntimeInstall string

const (
	// RuntimeInstallNative installs the runtime from the family's own repositories.
	RuntimeInstallNative RuntimeInstall = "native"
	// RuntimeInstallVendorScript runs the runtime vendor's convenience script.
	RuntimeInstallVendorScript RuntimeInstall = "vendor-script"
)

// Profile is the resolved set of family-specific provisioning parameters.
// It is immutable once resolved; nothing downstream branches on Family again.
type Profile struct {
	Family         Family
	PackageManager string
	UpdateCommand  []string
	InstallCommand []string
	HomeDir        string
	ServiceUser    string
	RuntimeInstall RuntimeInstall
	RuntimePackage string
}

// InstallArgs returns the full install command for the given packages.
func (p Profile) InstallArgs(packages ...string) []string {
	args := make([]string, 0, len(p.InstallCommand)+len(packages))
	args = append(args, p.InstallCommand...)
	return append(args, packages...)
}

// WithOverrides returns a copy of the profile with operator-supplied account
// settings applied. Empty values keep the family defaults.
func (p Profile) WithOverrides(serviceUser, homeDir string) Profile {
	out := p
	out.UpdateCommand = append([]string(nil), p.UpdateCommand...)
	out.InstallCommand = append([]string(nil), p.InstallCommand...)
	if serviceUser = strings.TrimSpace(serviceUser); serviceUser != "" {
		out.ServiceUser = serviceUser
		if strings.TrimSpace(homeDir) == "" {
			out.HomeDir = "/home/" + serviceUser
		}
	}
	if homeDir = strings.TrimSpace(homeDir); homeDir != "" {
		out.HomeDir = homeDir
	}
	return out
}

// profiles is the single table of per-family parameters.
var profiles = map[Family]Profile{
	FamilyAmazon: {
		Family:         FamilyAmazon,
		PackageManager: "yum",
		UpdateCommand:  []string{"yum", "update", "-y"},
		InstallCommand: []string{"yum", "install", "-y"},
		HomeDir:        "/home/ec2-user",
		ServiceUser:    "ec2-user",
		RuntimeInstall: RuntimeInstallNative,
		RuntimePackage: "docker",
	},
	FamilyDebian: {
		Family:         FamilyDebian,
		PackageManager: "apt-get",
		UpdateCommand:  []string{"apt-get", "update", "-y"},
		InstallCommand: []string{"apt-get", "install", "-y"},
		HomeDir:        "/home/ubuntu",
		ServiceUser:    "ubuntu",
		RuntimeInstall: RuntimeInstallVendorScript,
	},
	FamilyRHEL: {
		Family:         FamilyRHEL,
		PackageManager: "yum",
		UpdateCommand:  []string{"yum", "update", "-y"},
		InstallCommand: []string{"yum", "install", "-y"},
		HomeDir:        "/home/centos",
		ServiceUser:    "centos",
		RuntimeInstall: RuntimeInstallVendorScript,
	},
}

// releaseIDs maps os-release ID / ID_LIKE tokens onto families.
var releaseIDs = map[string]Family{
	"amzn":      FamilyAmazon,
	"ubuntu":    FamilyDebian,
	"debian":    FamilyDebian,
	"centos":    FamilyRHEL,
	"rhel":      FamilyRHEL,
	"fedora":    FamilyRHEL,
	"rocky":     FamilyRHEL,
	"almalinux": FamilyRHEL,
}

// Resolve returns the parameters for a family.
func Resolve(f Family) (Profile, error) {
	p, ok := profiles[f]
	if !ok {
		return Profile{}, &UnsupportedHostError{ID: f.String()}
	}
	return p.WithOverrides("", ""), nil
}

// =============================================================================
// Detection
// =============================================================================

// Release holds the identification fields read from os-release.
type Release struct {
	ID         string
	IDLike     string
	Name       string
	PrettyName string
	VersionID  string
}

// ParseOSRelease parses os-release content (KEY=value lines, optionally quoted).
func ParseOSRelease(content string) (Release, error) {
	if strings.TrimSpace(content) == "" {
		return Release{}, ErrEmptyRelease
	}
	values, err := dotenv.Parse(strings.NewReader(content))
	if err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrInvalidRelease, err)
	}
	return Release{
		ID:         strings.ToLower(strings.TrimSpace(values["ID"])),
		IDLike:     strings.ToLower(strings.TrimSpace(values["ID_LIKE"])),
		Name:       strings.TrimSpace(values["NAME"]),
		PrettyName: strings.TrimSpace(values["PRETTY_NAME"]),
		VersionID:  strings.TrimSpace(values["VERSION_ID"]),
	}, nil
}

// Classify maps a release onto a supported family. ID is consulted before
// the ID_LIKE tokens, in the order the distribution lists them.
func Classify(r Release) (Family, error) {
	tokens := append([]string{r.ID}, strings.Fields(r.IDLike)...)
	for _, tok := range tokens {
		if f, ok := releaseIDs[tok]; ok {
			return f, nil
		}
	}
	if strings.Contains(strings.ToLower(r.Name), "amazon linux") {
		return FamilyAmazon, nil
	}
	name := r.PrettyName
	if name == "" {
		name = r.Name
	}
	return FamilyUnknown, &UnsupportedHostError{ID: r.ID, IDLike: r.IDLike, Name: name}
}

// Detect parses os-release content and resolves the host profile.
func Detect(content string) (Profile, Release, error) {
	release, err := ParseOSRelease(content)
	if err != nil {
		return Profile{}, Release{}, err
	}
	family, err := Classify(release)
	if err != nil {
		return Profile{}, release, err
	}
	profile, err := Resolve(family)
	if err != nil {
		return Profile{}, release, err
	}
	return profile, release, nil
}

func supportedFamilyList() string {
	return strings.Join([]string{
		"Amazon Linux",
		"Ubuntu/Debian",
		"CentOS/RHEL",
	}, ", ")
}
