// Package remote ships stack artifacts to a VM over SSH and runs the
// deployment there.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrConnectionFailed is returned when the SSH connection cannot be made.
	ErrConnectionFailed = errors.New("ssh connection failed")

	// ErrUploadFailed is returned when an artifact cannot be written remotely.
	ErrUploadFailed = errors.New("artifact upload failed")
)

// ExitError carries the exit status of the remote deployment command.
type ExitError struct {
	Host   string
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote deployment on %s exited with status %d", e.Host, e.Status)
}

// Artifact is one file to place in the remote application directory.
type Artifact struct {
	Name    string
	Content []byte
}

// Config describes how to reach the VM.
type Config struct {
	User           string
	Port           int
	AppDir         string // relative paths resolve against the login home
	KnownHostsFile string // empty disables host key verification
	ConnectTimeout time.Duration
	UploadTimeout  time.Duration
}

// DefaultConfig returns the connection settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		User:           "ubuntu",
		Port:           22,
		AppDir:         "app",
		ConnectTimeout: 10 * time.Second,
		UploadTimeout:  60 * time.Second,
	}
}

// Shipper uploads artifacts and runs the remote deploy script.
type Shipper struct {
	config   Config
	signer   ssh.Signer
	hostKeys ssh.HostKeyCallback
	logger   *slog.Logger
}

// NewShipper creates a Shipper authenticating with privateKey (PEM).
func NewShipper(config Config, privateKey []byte, logger *slog.Logger) (*Shipper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if config.User == "" {
		config.User = def.User
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.AppDir == "" {
		config.AppDir = def.AppDir
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.UploadTimeout == 0 {
		config.UploadTimeout = def.UploadTimeout
	}

	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	logger = logger.With("component", "remote")
	hostKeys := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	} else {
		logger.Warn("host key verification disabled, set remote.known_hosts_file to enable it")
	}

	return &Shipper{config: config, signer: signer, hostKeys: hostKeys, logger: logger}, nil
}

// DeployScript is the remote path of the deploy script.
func (s *Shipper) DeployScript() string {
	return path.Join(s.config.AppDir, "deploy.sh")
}

// Ship uploads files to the remote app directory, runs deploy.sh there and
// streams its output to out. A non-zero remote exit is returned as *ExitError.
func (s *Shipper) Ship(ctx context.Context, host string, files []Artifact, out io.Writer) error {
	addr := net.JoinHostPort(host, strconv.Itoa(s.config.Port))
	log := s.logger.With("host", addr)

	client, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, f := range files {
		dest := path.Join(s.config.AppDir, f.Name)
		// Artifacts carry credentials; only the deploying account may read them.
		cmd := fmt.Sprintf("mkdir -p %s && umask 077 && cat > %s && chmod 600 %s",
			shellQuote(s.config.AppDir), shellQuote(dest), shellQuote(dest))

		uploadCtx, cancel := context.WithTimeout(ctx, s.config.UploadTimeout)
		err := run(uploadCtx, client, cmd, bytes.NewReader(f.Content), io.Discard)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUploadFailed, dest, err)
		}
		log.Info("uploaded artifact", "path", dest, "bytes", len(f.Content))
	}

	log.Info("running remote deployment", "script", s.DeployScript())
	err = run(ctx, client, shellQuote(s.DeployScript()), nil, out)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Host: host, Status: exitErr.ExitStatus()}
	}
	if err != nil {
		return fmt.Errorf("run remote deployment: %w", err)
	}
	log.Info("remote deployment finished")
	return nil
}

func (s *Shipper) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            s.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: s.hostKeys,
		Timeout:         s.config.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: s.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %w", ErrConnectionFailed, addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// run executes cmd in a new session, closing it when ctx ends.
func run(ctx context.Context, client *ssh.Client, cmd string, stdin io.Reader, out io.Writer) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}
	session.Stdout = out
	session.Stderr = out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
