package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval          = 2 * time.Second
	defaultBatchSize             = 50
	defaultPublishMaxAttempts    = 3
	defaultPublishBackoff        = 200 * time.Millisecond
	defaultClaimFailureThreshold = 3
	defaultClaimBackoff          = 500 * time.Millisecond
	defaultRetryWindow           = 5 * time.Minute
	defaultMaxDispatchAttempts   = 10
	defaultProcessingTimeout     = 10 * time.Minute
	defaultMaxFailedPerBatch     = 25
)

// DispatcherConfig controls polling, claiming, retry, and metric behavior.
type DispatcherConfig struct {
	// PollInterval is the periodic fallback interval between dispatch cycles
	// when no change notification arrives.
	PollInterval time.Duration
	// BatchSize is the max number of messages claimed per cycle.
	BatchSize int
	// PublishMaxAttempts is the max in-cycle publish attempts for one message.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between in-cycle publish retries.
	PublishBackoff time.Duration
	// ClaimFailureThreshold emits an error log once consecutive claim
	// failures reach this count.
	ClaimFailureThreshold int
	// ClaimBackoff is the base backoff applied between cycles while the
	// store is unreachable.
	ClaimBackoff time.Duration
	// RetryWindow is the minimum age for failed messages to become
	// retry-eligible again.
	RetryWindow time.Duration
	// MaxDispatchAttempts is the max total dispatch attempts before a
	// message is dead-lettered.
	MaxDispatchAttempts int
	// ProcessingTimeout is the age threshold for reclaiming messages whose
	// claiming instance crashed mid-dispatch.
	ProcessingTimeout time.Duration
	// MaxFailedPerBatch limits how many failed messages are requeued in one
	// cycle so retries cannot starve fresh messages.
	MaxFailedPerBatch int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:          defaultPollInterval,
		BatchSize:             defaultBatchSize,
		PublishMaxAttempts:    defaultPublishMaxAttempts,
		PublishBackoff:        defaultPublishBackoff,
		ClaimFailureThreshold: defaultClaimFailureThreshold,
		ClaimBackoff:          defaultClaimBackoff,
		RetryWindow:           defaultRetryWindow,
		MaxDispatchAttempts:   defaultMaxDispatchAttempts,
		ProcessingTimeout:     defaultProcessingTimeout,
		MaxFailedPerBatch:     defaultMaxFailedPerBatch,
		MeterProvider:         nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.ClaimFailureThreshold <= 0 {
		cfg.ClaimFailureThreshold = defaults.ClaimFailureThreshold
	}

	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = defaults.ClaimBackoff
	}

	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaults.RetryWindow
	}

	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = defaults.MaxDispatchAttempts
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.MaxFailedPerBatch <= 0 {
		cfg.MaxFailedPerBatch = defaults.MaxFailedPerBatch
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets the maximum messages claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithPollInterval sets the fallback polling interval.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.PollInterval = interval
		}
	}
}

// WithPublishMaxAttempts sets max in-cycle publish attempts per message.
func WithPublishMaxAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets base backoff for in-cycle publish retries.
func WithPublishBackoff(backoff time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if backoff > 0 {
			dispatcher.cfg.PublishBackoff = backoff
		}
	}
}

// WithRetryWindow sets the failed-message cooldown before requeueing.
func WithRetryWindow(retryWindow time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if retryWindow > 0 {
			dispatcher.cfg.RetryWindow = retryWindow
		}
	}
}

// WithMaxDispatchAttempts sets the retry ceiling before dead-lettering.
func WithMaxDispatchAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.MaxDispatchAttempts = attempts
		}
	}
}

// WithProcessingTimeout sets the visibility timeout for abandoned claims.
func WithProcessingTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithMaxFailedPerBatch sets max failed messages requeued each cycle.
func WithMaxFailedPerBatch(maxFailed int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxFailed > 0 {
			dispatcher.cfg.MaxFailedPerBatch = maxFailed
		}
	}
}

// WithClaimFailureThreshold sets the log threshold for repeated claim failures.
func WithClaimFailureThreshold(threshold int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.ClaimFailureThreshold = threshold
		}
	}
}

// WithClaimBackoff sets the base backoff applied while the store is
// unreachable.
func WithClaimBackoff(backoff time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if backoff > 0 {
			dispatcher.cfg.ClaimBackoff = backoff
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.retryClassifier = classifier
	}
}

// WithNotifier wires a change notifier so the dispatcher wakes as soon as a
// row becomes eligible instead of waiting for the next poll.
func WithNotifier(notifier Notifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if notifier == nil {
			return
		}

		dispatcher.notifier = notifier
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}
