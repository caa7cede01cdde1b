package workspace

import (
	"errors"
	"fmt"

	"github.com/taskfactory/factoryd/internal/core"
)

// Sentinel errors for registry operations.
var (
	ErrWorkspaceNotFound      = errors.New("workspace not found")
	ErrWorkspaceAlreadyExists = errors.New("workspace already registered")
	ErrRegistryClosed         = errors.New("workspace registry is closed")
	ErrInvalidPath            = errors.New("invalid workspace path")
)

func errConfig(msg string) error {
	return core.ErrValidation(core.CodeInvalidConfig, msg)
}

// RegistryError wraps a registry operation failure.
type RegistryError struct {
	Op  string
	Err error
}

// NewRegistryError creates a registry error.
func NewRegistryError(op string, err error) *RegistryError {
	return &RegistryError{Op: op, Err: err}
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("workspace registry %s: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}
