package abtest

import (
	"errors"

	"github.com/ignite/campaign-engine/internal/domain"
)

var (
	ErrNotFound         = domain.ErrNotFound
	ErrInvalidVariant   = errors.New("invalid variant")
	ErrAlreadyCompleted = errors.New("ab test already completed")
	ErrNotRunning       = errors.New("ab test is not running")
)
