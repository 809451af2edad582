package outbox

import "errors"

var (
	ErrMessageRequired      = errors.New("outbox message is required")
	ErrMessageIDRequired    = errors.New("message id is required")
	ErrStoreRequired        = errors.New("outbox store is required")
	ErrDispatcherRequired   = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning    = errors.New("outbox dispatcher is already running")
	ErrPublisherRequired    = errors.New("publisher is required")
	ErrExchangeNameRequired = errors.New("exchange name is required")
	ErrRoutingKeyRequired   = errors.New("routing key is required")
	ErrPayloadRequired      = errors.New("outbox message payload is required")
	ErrPayloadTooLarge      = errors.New("outbox message payload exceeds maximum allowed size")
	ErrPayloadNotJSON       = errors.New("outbox message payload must be valid JSON (stored as JSONB)")
	ErrStatusInvalid        = errors.New("invalid outbox status")
	ErrTransitionInvalid    = errors.New("invalid outbox status transition")
	ErrStateConflict        = errors.New("outbox message state transition conflict")
	ErrNotifierClosed       = errors.New("change notifier is closed")
	ErrMaxAttemptsMustBeSet = errors.New("maxAttempts must be greater than zero")
	ErrLimitMustBePositive  = errors.New("limit must be greater than zero")
)
