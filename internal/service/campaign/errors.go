package campaign

import (
	"errors"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = domain.ErrNotFound
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingSegment    = errors.New("campaign has no segment")
	ErrAlreadySending    = fmt.Errorf("%w: campaign is already sending or sent", ErrInvalidTransition)
)
