package outbox

import "fmt"

// Status represents a valid outbox message lifecycle state.
type Status string

const (
	StatusReady      Status = MessageStatusReady
	StatusProcessing Status = MessageStatusProcessing
	StatusDispatched Status = MessageStatusDispatched
	StatusFailed     Status = MessageStatusFailed
	StatusDead       Status = MessageStatusDead
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusReady, StatusProcessing, StatusDispatched, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is never left once reached.
// Dispatched rows are retained for audit; dead rows await inspection.
func (status Status) IsTerminal() bool {
	return status == StatusDispatched || status == StatusDead
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusReady:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing || next == StatusReady || next == StatusDead
	case StatusProcessing:
		return next == StatusProcessing || next == StatusDispatched || next == StatusFailed || next == StatusDead
	case StatusDispatched, StatusDead:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
