package system

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

// =============================================================================
// Host Filesystem and Accounts
// =============================================================================

// Host is the filesystem and account surface the provisioner mutates.
// Paths are absolute host paths.
type Host interface {
	LookPath(name string) (string, error)
	Stat(path string) (fs.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	MkdirAll(path string, mode fs.FileMode) error
	// WriteFile replaces path atomically. Readers see the old or the new
	// content, never a partial file.
	WriteFile(path string, data []byte, mode fs.FileMode) error
	Chown(path, owner string) error
	InGroup(userName, group string) (bool, error)
	// SelfBinary returns the contents of the running executable.
	SelfBinary() ([]byte, error)
}

// binDirs are searched, in order, when a binary is not on PATH. They cover
// the locations the provisioner installs into and the sudo secure_path.
var binDirs = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}

// LocalHost is the Host backed by the local machine.
//
// Root prefixes every path. With Root "/" the real system is modified; any
// other Root is a staging tree in which ownership changes are skipped and
// binaries are looked up only inside the tree.
type LocalHost struct {
	Root string
}

// NewLocalHost returns a LocalHost rooted at root ("" means "/").
func NewLocalHost(root string) *LocalHost {
	if root == "" {
		root = "/"
	}
	return &LocalHost{Root: filepath.Clean(root)}
}

// IsSystemRoot reports whether the host writes to the real filesystem.
func (h *LocalHost) IsSystemRoot() bool {
	return h.Root == "/"
}

// Path maps an absolute host path into the root.
func (h *LocalHost) Path(p string) string {
	if h.IsSystemRoot() {
		return filepath.Clean(p)
	}
	return filepath.Join(h.Root, filepath.Clean("/"+p))
}

func (h *LocalHost) LookPath(name string) (string, error) {
	if h.IsSystemRoot() {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	for _, dir := range binDirs {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(h.Path(candidate))
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCommandNotFound, name)
}

func (h *LocalHost) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(h.Path(path))
}

func (h *LocalHost) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(h.Path(path))
}

func (h *LocalHost) MkdirAll(path string, mode fs.FileMode) error {
	return os.MkdirAll(h.Path(path), mode)
}

func (h *LocalHost) WriteFile(path string, data []byte, mode fs.FileMode) error {
	target := h.Path(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(target, data, mode); err != nil {
		return err
	}
	// The writer honours umask; artifacts need their exact mode.
	return os.Chmod(target, mode)
}

// Chown sets ownership to "user" or "user:group". Without a group the user's
// primary group is used.
func (h *LocalHost) Chown(path, owner string) error {
	if owner == "" || !h.IsSystemRoot() {
		return nil
	}
	userName, groupName, _ := strings.Cut(owner, ":")
	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userName, err)
	}
	gid := u.Gid
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("lookup group %s: %w", groupName, err)
		}
		gid = g.Gid
	}
	uidN, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gidN, err := strconv.Atoi(gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", gid, err)
	}
	return os.Chown(h.Path(path), uidN, gidN)
}

// InGroup reports whether userName is a member of group. A missing group
// means nobody is a member yet.
func (h *LocalHost) InGroup(userName, group string) (bool, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return false, fmt.Errorf("lookup user %s: %w", userName, err)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		var unknown user.UnknownGroupError
		if errors.As(err, &unknown) {
			return false, nil
		}
		return false, fmt.Errorf("lookup group %s: %w", group, err)
	}
	ids, err := u.GroupIds()
	if err != nil {
		return false, fmt.Errorf("list groups of %s: %w", userName, err)
	}
	for _, id := range ids {
		if id == g.Gid {
			return true, nil
		}
	}
	return false, nil
}

func (h *LocalHost) SelfBinary() ([]byte, error) {
	p, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if p, err = filepath.EvalSymlinks(p); err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}
