package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Wake-up source labels for the dispatcher wake counter.
const (
	wakeSourceNotify = "notify"
	wakeSourcePoll   = "poll"
)

type dispatcherMetrics struct {
	messagesDispatched metric.Int64Counter
	messagesFailed     metric.Int64Counter
	messagesDead       metric.Int64Counter
	messagesStateStale metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
	batchDepth         metric.Int64Gauge
	wakeups            metric.Int64Counter
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.messagesDispatched, err = meter.Int64Counter(
		"outbox.messages.dispatched",
		metric.WithDescription("Number of outbox messages successfully published and acknowledged"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.dispatched counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.messagesDead, err = meter.Int64Counter(
		"outbox.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages moved to the dead-letter state"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.dead_lettered counter: %w", err)
	}

	metrics.messagesStateStale, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages published but not persisted as dispatched"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.dispatch.batch_depth",
		metric.WithDescription("Number of outbox messages claimed in a dispatch cycle (ready and reclaimed)"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.batch_depth gauge: %w", err)
	}

	metrics.wakeups, err = meter.Int64Counter(
		"outbox.dispatch.wakeups",
		metric.WithDescription("Number of dispatch cycles by wake-up source"),
		metric.WithUnit("{wakeup}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.wakeups counter: %w", err)
	}

	return metrics, nil
}
