package outbox

// RetryClassifier determines whether a publish error should not be retried.
// Non-retryable messages (payload consistently rejected, malformed data) are
// dead-lettered immediately instead of burning retry attempts.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
