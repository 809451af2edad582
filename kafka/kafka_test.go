//go:build unit

package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPublisher(t *testing.T) (*Publisher, *mocks.SyncProducer) {
	t.Helper()

	producer := mocks.NewSyncProducer(t, NewConfig())

	publisher, err := NewPublisherFromProducer(producer)
	require.NoError(t, err)

	return publisher, producer
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Idempotent)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, 1, cfg.Net.MaxOpenRequests)
	assert.NoError(t, cfg.Validate())
}

func TestNewPublisher_NoBrokers(t *testing.T) {
	t.Parallel()

	publisher, err := NewPublisher(nil, nil)
	assert.Nil(t, publisher)
	assert.ErrorIs(t, err, ErrBrokersRequired)
}

func TestNewPublisherFromProducer_NilProducer(t *testing.T) {
	t.Parallel()

	publisher, err := NewPublisherFromProducer(nil)
	assert.Nil(t, publisher)
	assert.ErrorIs(t, err, ErrProducerRequired)
}

func TestPublisher_Publish_Success(t *testing.T) {
	t.Parallel()

	publisher, producer := newMockPublisher(t)

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		if string(value) != `{"n":1}` {
			return errors.New("unexpected payload " + string(value))
		}

		return nil
	})

	err := publisher.Publish(context.Background(), "orders", "order.created", []byte(`{"n":1}`))
	require.NoError(t, err)
	require.NoError(t, publisher.Close())
}

func TestPublisher_Publish_ProducerError(t *testing.T) {
	t.Parallel()

	publisher, producer := newMockPublisher(t)

	producer.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	err := publisher.Publish(context.Background(), "orders", "order.created", []byte(`{"n":1}`))
	require.ErrorIs(t, err, sarama.ErrMessageSizeTooLarge)
	assert.True(t, NonRetryableClassifier().IsNonRetryable(err))

	require.NoError(t, publisher.Close())
}

func TestPublisher_Publish_CancelledContext(t *testing.T) {
	t.Parallel()

	publisher, _ := newMockPublisher(t)
	t.Cleanup(func() {
		if err := publisher.Close(); err != nil {
			t.Errorf("cleanup: publisher close: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := publisher.Publish(ctx, "orders", "order.created", []byte(`{"n":1}`))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_PublishAfterClose(t *testing.T) {
	t.Parallel()

	publisher, _ := newMockPublisher(t)

	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())

	err := publisher.Publish(context.Background(), "orders", "order.created", []byte(`{"n":1}`))
	require.ErrorIs(t, err, ErrPublisherClosed)
}

func TestNonRetryableClassifier(t *testing.T) {
	t.Parallel()

	classifier := NonRetryableClassifier()

	nonRetryable := []error{
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrInvalidMessage,
		sarama.ErrInvalidMessageSize,
		sarama.ErrUnknownTopicOrPartition,
		sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
	}
	for _, target := range nonRetryable {
		assert.True(t, classifier.IsNonRetryable(target), target)
	}

	assert.False(t, classifier.IsNonRetryable(sarama.ErrOutOfBrokers))
	assert.False(t, classifier.IsNonRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, classifier.IsNonRetryable(nil))
}
