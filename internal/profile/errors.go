package profile

import (
	"errors"
	"fmt"
)

// ProfileError represents an end entity profile operation error with structured context.
// It supports errors.Is() and errors.As().
type ProfileError struct {
	Name string // Profile name
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *ProfileError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("end entity profile %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("end entity profile: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProfileError) Unwrap() error { return e.Err }

// NewProfileError creates a new ProfileError with the given name and error.
func NewProfileError(name string, err error) *ProfileError {
	return &ProfileError{Name: name, Err: err}
}

// Sentinel errors for profile operations.
var (
	// ErrProfileNotFound indicates the requested profile was not found.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrProfileExists indicates a profile with the same name or id exists.
	ErrProfileExists = errors.New("profile already exists")

	// ErrInvalidProfile indicates the profile configuration is invalid.
	ErrInvalidProfile = errors.New("invalid profile configuration")

	// ErrTypeImmutable indicates an attempt to change the profile type after
	// its field kind was initialized.
	ErrTypeImmutable = errors.New("profile type cannot be changed")
)
