package hostprofile

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnsupportedHost is returned when the host does not belong to a supported family.
	ErrUnsupportedHost = errors.New("unsupported host operating system")

	// ErrEmptyRelease is returned when the os-release content is empty.
	ErrEmptyRelease = errors.New("os-release content is empty")

	// ErrInvalidRelease is returned when the os-release content cannot be parsed.
	ErrInvalidRelease = errors.New("invalid os-release content")
)

// UnsupportedHostError describes a host whose identification matched no family.
type UnsupportedHostError struct {
	ID     string
	IDLike string
	Name   string
}

func (e *UnsupportedHostError) Error() string {
	name := e.Name
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("unsupported host %q (id=%q id_like=%q): supported families are %s",
		name, e.ID, e.IDLike, supportedFamilyList())
}

func (e *UnsupportedHostError) Unwrap() error {
	return ErrUnsupportedHost
}
