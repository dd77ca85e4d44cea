package domain

import (
	"fmt"
	"time"
)

// DripStatus enumerates the lifecycle states of a drip definition.
type DripStatus string

const (
	DripDraft    DripStatus = "draft"
	DripActive   DripStatus = "active"
	DripPaused   DripStatus = "paused"
	DripArchived DripStatus = "archived"
)

// DelayUnit is the unit of a step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// Delay is the wait before a step is sent, measured from the previous send
// (or from enrollment for step 1).
type Delay struct {
	Value int       `json:"value"`
	Unit  DelayUnit `json:"unit"`
}

// Duration converts the delay to a time.Duration. Unknown units count as days.
func (d Delay) Duration() time.Duration {
	n := time.Duration(d.Value)
	switch d.Unit {
	case DelayMinutes:
		return n * time.Minute
	case DelayHours:
		return n * time.Hour
	case DelayWeeks:
		return n * 7 * 24 * time.Hour
	default:
		return n * 24 * time.Hour
	}
}

// Branch redirects an enrollment to GotoStep when When matches the recipient
// after the current step was sent.
type Branch struct {
	When     FilterNode `json:"-"`
	GotoStep int        `json:"goto_step"`
}

// ExitRule ends an enrollment with Reason when When matches the recipient.
type ExitRule struct {
	Reason string     `json:"reason"`
	When   FilterNode `json:"-"`
}

// DripStep is one message of a drip sequence.
type DripStep struct {
	Number   int        `json:"step_number" db:"step_number"`
	Name     string     `json:"name" db:"name"`
	Delay    Delay      `json:"delay"`
	Content  ContentRef `json:"content"`
	Branches []Branch   `json:"branches,omitempty"`
}

// DripDefinition is a multi-step automated sequence.
type DripDefinition struct {
	ID          string     `json:"id" db:"id"`
	TenantID    TenantID   `json:"tenant_id" db:"tenant_id"`
	Name        string     `json:"name" db:"name"`
	Status      DripStatus `json:"status" db:"status"`
	Steps       []DripStep `json:"steps"`
	ProviderIDs []string   `json:"provider_ids" db:"provider_ids"`
	Strategy    Strategy   `json:"strategy" db:"strategy"`
	FromName    string     `json:"from_name" db:"from_name"`
	FromEmail   string     `json:"from_email" db:"from_email"`

	// Send window: when SendHour is set, sends snap to that hour in Timezone.
	SendHour     *int   `json:"send_hour" db:"send_hour"`
	Timezone     string `json:"timezone" db:"timezone"`
	SkipWeekends bool   `json:"skip_weekends" db:"skip_weekends"`

	AllowReEnrollment        bool       `json:"allow_re_enrollment" db:"allow_re_enrollment"`
	MaxEnrollmentsPerContact int        `json:"max_enrollments_per_contact" db:"max_enrollments_per_contact"`
	ExitOnUnsubscribe        bool       `json:"exit_on_unsubscribe" db:"exit_on_unsubscribe"`
	ExitRules                []ExitRule `json:"exit_rules,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Step returns the step with the given number.
func (d *DripDefinition) Step(number int) (DripStep, bool) {
	for _, s := range d.Steps {
		if s.Number == number {
			return s, true
		}
	}
	return DripStep{}, false
}

// Validate checks that steps are numbered 1..n without gaps and that every
// branch jumps strictly forward to an existing step.
func (d *DripDefinition) Validate() error {
	seen := make(map[int]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Number < 1 || s.Number > len(d.Steps) {
			return fmt.Errorf("step %d out of range 1..%d", s.Number, len(d.Steps))
		}
		if seen[s.Number] {
			return fmt.Errorf("duplicate step %d", s.Number)
		}
		seen[s.Number] = true
	}
	for _, s := range d.Steps {
		for _, b := range s.Branches {
			if b.GotoStep <= s.Number || b.GotoStep > len(d.Steps) {
				return fmt.Errorf("step %d: branch target %d must be in %d..%d", s.Number, b.GotoStep, s.Number+1, len(d.Steps))
			}
			if b.When == nil {
				return fmt.Errorf("step %d: branch to %d has no condition", s.Number, b.GotoStep)
			}
		}
	}
	return nil
}

// EnrollmentState enumerates the lifecycle of an enrollment.
type EnrollmentState string

const (
	EnrollmentActive    EnrollmentState = "active"
	EnrollmentPaused    EnrollmentState = "paused"
	EnrollmentCompleted EnrollmentState = "completed"
	EnrollmentExited    EnrollmentState = "exited"
)

// IsTerminal returns true for completed and exited enrollments.
func (s EnrollmentState) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentExited
}

// Enrollment tracks one recipient's progress through a drip.
//
// Version is bumped on every write; writers compare-and-swap on it.
// ClaimedUntil is set while a worker holds the enrollment.
type Enrollment struct {
	ID             string          `json:"id" db:"id"`
	TenantID       TenantID        `json:"tenant_id" db:"tenant_id"`
	DripID         string          `json:"drip_id" db:"drip_id"`
	RecipientID    string          `json:"recipient_id" db:"recipient_id"`
	Email          string          `json:"email" db:"email"`
	State          EnrollmentState `json:"state" db:"state"`
	CurrentStep    int             `json:"current_step" db:"current_step"`
	NextSendAt     time.Time       `json:"next_send_at" db:"next_send_at"`
	StepsCompleted int             `json:"steps_completed" db:"steps_completed"`
	FailedAttempts int             `json:"failed_attempts" db:"failed_attempts"`
	LastError      string          `json:"last_error,omitempty" db:"last_error"`
	ExitReason     string          `json:"exit_reason,omitempty" db:"exit_reason"`
	EnrolledAt     time.Time       `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt    *time.Time      `json:"completed_at" db:"completed_at"`
	ExitedAt       *time.Time      `json:"exited_at" db:"exited_at"`
	PausedAt       *time.Time      `json:"paused_at" db:"paused_at"`
	ClaimedUntil   *time.Time      `json:"-" db:"claimed_until"`
	Version        int64           `json:"version" db:"version"`
}
