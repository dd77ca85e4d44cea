package drip

import (
	"errors"

	"github.com/ignite/campaign-engine/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	// ErrConflict is returned when another writer changed the enrollment
	// since it was read. A lost claim surfaces as ErrConflict.
	ErrConflict          = domain.ErrConflict
	ErrAlreadyEnrolled   = errors.New("recipient already enrolled")
	ErrEnrollmentLimit   = errors.New("enrollment limit reached")
	ErrInvalidTransition = errors.New("invalid enrollment transition")
	ErrDripInactive      = errors.New("drip is not accepting enrollments")
	ErrMissingStep       = errors.New("drip step not found")
)
