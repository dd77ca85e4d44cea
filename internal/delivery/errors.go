package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ErrProviderNotFound matches domain.ErrNotFound too.
var ErrProviderNotFound = fmt.Errorf("provider %w", domain.ErrNotFound)

// ErrorKind classifies a failed dispatch.
type ErrorKind int

const (
	// NoEligibleProvider: no provider was active, verified and under quota,
	// so nothing was attempted.
	NoEligibleProvider ErrorKind = iota + 1
	// AllProvidersFailed: at least one send was attempted and every attempt failed.
	AllProvidersFailed
)

func (k ErrorKind) String() string {
	switch k {
	case NoEligibleProvider:
		return "no eligible provider"
	case AllProvidersFailed:
		return "all providers failed"
	}
	return "unknown"
}

// Attempt is one provider tried during a dispatch.
type Attempt struct {
	ProviderID   string              `json:"provider_id"`
	ProviderType domain.ProviderType `json:"provider_type"`
	// QuotaDenied is set when the reservation failed and no send was made.
	QuotaDenied bool   `json:"quota_denied,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DeliveryError is returned by Orchestrator.Send when no provider accepted
// the message.
type DeliveryError struct {
	Kind     ErrorKind
	Attempts []Attempt
}

func (e *DeliveryError) Error() string {
	if len(e.Attempts) == 0 {
		return "delivery: " + e.Kind.String()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		msg := a.Error
		if a.QuotaDenied {
			msg = "quota exhausted"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", a.ProviderID, msg))
	}
	return fmt.Sprintf("delivery: %s (%s)", e.Kind, strings.Join(parts, "; "))
}

// IsNoEligible reports whether err is a DeliveryError of kind NoEligibleProvider.
func IsNoEligible(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == NoEligibleProvider
}

// IsAllFailed reports whether err is a DeliveryError of kind AllProvidersFailed.
func IsAllFailed(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == AllProvidersFailed
}
