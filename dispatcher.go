package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/relaypoint/outbox/backoff"
	"github.com/relaypoint/outbox/internal/nilcheck"
	"github.com/relaypoint/outbox/log"
	"github.com/relaypoint/outbox/runtime"
)

// Dispatcher drains the outbox: it claims eligible messages from the store
// and publishes them through the configured Publisher.
//
// Delivery is at-least-once. A message is published before its DISPATCHED
// state is persisted, so a crash between the two re-delivers it; consumers
// must be idempotent.
type Dispatcher struct {
	store           Store
	publisher       Publisher
	notifier        Notifier
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig

	claimFailures   int
	claimFailuresMu sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	// Claimed is the number of messages claimed this cycle, including
	// reclaimed stuck messages and requeued failed ones.
	Claimed int
	// Dispatched is the number of messages published and persisted.
	Dispatched int
	// Failed is the number of messages whose publish failed this cycle.
	Failed int
	// Dead is the number of messages dead-lettered by the retry classifier.
	Dead int
	// StateUpdateFailed counts messages published to the broker whose
	// DISPATCHED state could not be persisted; they will be re-delivered.
	StateUpdateFailed int
}

// NewDispatcher creates a dispatcher over the given store and publisher.
func NewDispatcher(
	store Store,
	publisher Publisher,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("outbox.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatch loop and blocks until Stop is called or ctx is
// cancelled. The loop wakes on change notifications when a notifier is
// configured and on the poll ticker otherwise; notifications are only a
// hint, eligibility is always re-read from the store.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if dispatcher.store == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
		log.Int("batch_size", dispatcher.cfg.BatchSize),
		log.String("poll_interval", dispatcher.cfg.PollInterval.String()),
		log.Bool("notifier", dispatcher.notifier != nil),
	)
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	var notifications <-chan ChangeNotification
	if dispatcher.notifier != nil {
		notifications = dispatcher.notifier.Notifications()
	}

	ticker := time.NewTicker(dispatcher.cfg.PollInterval)
	defer ticker.Stop()

	// Drain whatever accumulated while the dispatcher was down.
	dispatcher.runCycle(ctx, wakeSourcePoll)

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case _, ok := <-notifications:
			if !ok {
				// Listener lost its connection for good; polling still
				// guarantees progress.
				notifications = nil

				dispatcher.logger.Log(ctx, log.LevelWarn, "change notifier closed, falling back to polling")

				continue
			}

			drainNotifications(notifications)
			dispatcher.runCycle(ctx, wakeSourceNotify)
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx, wakeSourcePoll)
		}
	}
}

// Stop signals the dispatch loop to stop. It is safe to call concurrently
// and more than once.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the dispatcher and waits for the in-flight dispatch cycle
// to finish, so no message is abandoned mid-publish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox", "shutdown_wait", func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// runCycle runs dispatch cycles until the store has no full batch left,
// backing off between cycles while the store is unreachable.
func (dispatcher *Dispatcher) runCycle(ctx context.Context, source string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatch_cycle")

	dispatcher.recordWakeup(ctx, source)

	for {
		if ctx.Err() != nil || isClosedSignal(dispatcher.stop) {
			return
		}

		result := dispatcher.DispatchOnceResult(ctx)

		if failures := dispatcher.consecutiveClaimFailures(); failures > 0 {
			delay := backoff.ExponentialWithJitter(dispatcher.cfg.ClaimBackoff, failures-1)
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return
			}

			return
		}

		// A partial batch means the table is drained; wait for the next
		// wake-up. A full batch means more rows are likely waiting.
		if result.Claimed < dispatcher.cfg.BatchSize {
			return
		}
	}
}

// DispatchOnce processes a single dispatch cycle and returns the number of
// messages claimed.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Claimed
}

// DispatchOnceResult processes a single dispatch cycle and returns counters.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.publisher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := dispatcher.tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("outbox.noop")
	}

	start := time.Now().UTC()

	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	messages := dispatcher.collectMessages(ctx, span)

	result := DispatchResult{Claimed: len(messages)}

	dispatcher.recordBatchDepth(ctx, int64(len(messages)))

	// Publish happens before MarkDispatched; a crash in between re-delivers.
	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		if message == nil {
			continue
		}

		if err := dispatcher.publishWithRetry(ctx, message); err != nil {
			if dispatcher.handlePublishError(ctx, logger, message, err) {
				result.Dead++
			} else {
				result.Failed++
			}

			continue
		}

		if err := dispatcher.store.MarkDispatched(ctx, message.ID, time.Now().UTC()); err != nil {
			logger.Log(
				ctx,
				log.LevelError,
				"message published to broker but DISPATCHED state not persisted, it will be re-delivered",
				log.String("message_id", message.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)

			result.StateUpdateFailed++

			continue
		}

		result.Dispatched++
	}

	span.SetAttributes(
		attribute.Int("outbox.dispatch.claimed", result.Claimed),
		attribute.Int("outbox.dispatch.dispatched", result.Dispatched),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.dead", result.Dead),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)

	dispatcher.addDispatched(ctx, int64(result.Dispatched))
	dispatcher.addFailed(ctx, int64(result.Failed))
	dispatcher.addDead(ctx, int64(result.Dead))
	dispatcher.addStateUpdateFailed(ctx, int64(result.StateUpdateFailed))
	dispatcher.recordDispatchLatency(ctx, time.Since(start).Seconds())

	return result
}

// collectMessages claims one batch in three layers, bounded by BatchSize:
//
//  1. Stuck messages: PROCESSING rows older than ProcessingTimeout whose
//     claiming instance presumably crashed.
//  2. Failed messages: FAILED rows older than RetryWindow with attempts
//     left, capped by MaxFailedPerBatch so retries cannot starve fresh
//     messages.
//  3. Ready messages: READY rows in creation order.
//
// Claiming is atomic in the store, so layers and concurrent dispatchers
// never receive the same row. Duplicates across layers are removed anyway.
func (dispatcher *Dispatcher) collectMessages(ctx context.Context, span trace.Span) []*Message {
	logger := dispatcher.logger
	now := time.Now().UTC()
	processingBefore := now.Add(-dispatcher.cfg.ProcessingTimeout)
	failedBefore := now.Add(-dispatcher.cfg.RetryWindow)

	stuck, err := dispatcher.store.ReclaimStuck(
		ctx,
		dispatcher.cfg.BatchSize,
		processingBefore,
		dispatcher.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		recordSpanError(span, "failed to reclaim stuck messages", err)
		log.SafeError(logger, ctx, "failed to reclaim stuck outbox messages", err)
	}

	collected := stuck

	failedLimit := min(dispatcher.cfg.BatchSize-len(collected), dispatcher.cfg.MaxFailedPerBatch)
	if failedLimit > 0 {
		retried, err := dispatcher.store.RequeueFailed(
			ctx,
			failedLimit,
			failedBefore,
			dispatcher.cfg.MaxDispatchAttempts,
		)
		if err != nil {
			recordSpanError(span, "failed to requeue failed messages", err)
			log.SafeError(logger, ctx, "failed to requeue failed outbox messages", err)
		}

		collected = append(collected, retried...)
	}

	remaining := dispatcher.cfg.BatchSize - len(collected)
	if remaining > 0 {
		ready, err := dispatcher.store.ClaimEligible(ctx, remaining)
		if err != nil {
			dispatcher.noteClaimFailure(ctx, span, err)

			return deduplicateMessages(collected)
		}

		dispatcher.clearClaimFailures()

		collected = append(collected, ready...)
	}

	return deduplicateMessages(collected)
}

func deduplicateMessages(messages []*Message) []*Message {
	if len(messages) == 0 {
		return messages
	}

	seen := make(map[uuid.UUID]bool, len(messages))
	result := make([]*Message, 0, len(messages))

	for _, message := range messages {
		if message == nil {
			continue
		}

		if seen[message.ID] {
			continue
		}

		seen[message.ID] = true
		result = append(result, message)
	}

	return result
}

func (dispatcher *Dispatcher) publishWithRetry(ctx context.Context, message *Message) error {
	maxAttempts := dispatcher.cfg.PublishMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultPublishMaxAttempts
	}

	publishBackoff := dispatcher.cfg.PublishBackoff
	if publishBackoff <= 0 {
		publishBackoff = defaultPublishBackoff
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := dispatcher.publish(ctx, message)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if dispatcher.isNonRetryable(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(publishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) publish(ctx context.Context, message *Message) error {
	if message == nil {
		return ErrMessageRequired
	}

	if len(message.Payload) == 0 {
		return ErrPayloadRequired
	}

	return dispatcher.publisher.Publish(ctx, message.ExchangeName, message.RoutingKey, message.Payload)
}

// handlePublishError persists the failure and reports whether the message
// was dead-lettered.
func (dispatcher *Dispatcher) handlePublishError(
	ctx context.Context,
	logger log.Logger,
	message *Message,
	err error,
) bool {
	if dispatcher.isNonRetryable(err) {
		if markErr := dispatcher.store.MarkDead(ctx, message.ID, sanitizeErrorForStorage(err)); markErr != nil {
			logger.Log(ctx, log.LevelError, "failed to dead-letter outbox message",
				log.String("message_id", message.ID.String()),
				log.String("error", sanitizeErrorForStorage(markErr)),
			)
		}

		return true
	}

	if markErr := dispatcher.store.MarkFailed(
		ctx,
		message.ID,
		sanitizeErrorForStorage(err),
		dispatcher.cfg.MaxDispatchAttempts,
	); markErr != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox message failed",
			log.String("message_id", message.ID.String()),
			log.String("error", sanitizeErrorForStorage(markErr)),
		)
	}

	return false
}

func (dispatcher *Dispatcher) isNonRetryable(err error) bool {
	if err == nil || nilcheck.Interface(dispatcher.retryClassifier) {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

func (dispatcher *Dispatcher) noteClaimFailure(ctx context.Context, span trace.Span, err error) {
	dispatcher.claimFailuresMu.Lock()
	dispatcher.claimFailures++
	count := dispatcher.claimFailures
	dispatcher.claimFailuresMu.Unlock()

	recordSpanError(span, "failed to claim eligible messages", err)
	log.SafeError(dispatcher.logger, ctx, "failed to claim eligible outbox messages", err)

	if count >= dispatcher.cfg.ClaimFailureThreshold {
		dispatcher.logger.Log(ctx, log.LevelError, "outbox claim failures exceeded threshold",
			log.Int("count", count),
		)
	}
}

func (dispatcher *Dispatcher) clearClaimFailures() {
	dispatcher.claimFailuresMu.Lock()
	defer dispatcher.claimFailuresMu.Unlock()

	dispatcher.claimFailures = 0
}

func (dispatcher *Dispatcher) consecutiveClaimFailures() int {
	dispatcher.claimFailuresMu.Lock()
	defer dispatcher.claimFailuresMu.Unlock()

	return dispatcher.claimFailures
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

// drainNotifications flushes queued notifications so a burst of enqueues
// coalesces into one dispatch cycle.
func drainNotifications(notifications <-chan ChangeNotification) {
	for {
		select {
		case _, ok := <-notifications:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func recordSpanError(span trace.Span, msg string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, msg)
	span.RecordError(err)
}

func (dispatcher *Dispatcher) recordWakeup(ctx context.Context, source string) {
	if dispatcher.metrics.wakeups == nil {
		return
	}

	dispatcher.metrics.wakeups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (dispatcher *Dispatcher) recordBatchDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.batchDepth == nil {
		return
	}

	dispatcher.metrics.batchDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addDispatched(ctx context.Context, count int64) {
	if dispatcher.metrics.messagesDispatched == nil || count <= 0 {
		return
	}

	dispatcher.metrics.messagesDispatched.Add(ctx, count)
}

func (dispatcher *Dispatcher) addFailed(ctx context.Context, count int64) {
	if dispatcher.metrics.messagesFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.messagesFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) addDead(ctx context.Context, count int64) {
	if dispatcher.metrics.messagesDead == nil || count <= 0 {
		return
	}

	dispatcher.metrics.messagesDead.Add(ctx, count)
}

func (dispatcher *Dispatcher) addStateUpdateFailed(ctx context.Context, count int64) {
	if dispatcher.metrics.messagesStateStale == nil || count <= 0 {
		return
	}

	dispatcher.metrics.messagesStateStale.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordDispatchLatency(ctx context.Context, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds)
}
