package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPubSub(t *testing.T, d *fakeDriver, cfg PubSubConfig) *PubSub {
	t.Helper()
	cfg.Brokers = []string{"localhost:9092"}
	if cfg.Topic == "" {
		cfg.Topic = "t"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "g"
	}
	cfg.Logger = NewNoopLogger()
	cfg.ProducerOptions = append(cfg.ProducerOptions, WithTransportDriver(d))
	cfg.ConsumerOptions = append(cfg.ConsumerOptions,
		ConsumerWithTransportDriver(d),
		WithPollTimeout(5*time.Millisecond),
	)
	ps, err := NewPubSub(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Disconnect(context.Background()) })
	return ps
}

func TestNewPubSub_Validation(t *testing.T) {
	_, err := NewPubSub(PubSubConfig{Topic: "t"})
	assert.EqualError(t, err, "brokers are required")

	_, err = NewPubSub(PubSubConfig{Brokers: []string{"localhost:9092"}})
	assert.EqualError(t, err, "topic is required")
}

func TestPubSub_RoundTrip(t *testing.T) {
	d := newFakeDriver()
	ps := newTestPubSub(t, d, PubSubConfig{FromBeginning: true})

	rec := &recorder{}
	ps.OnMessage(rec.handle)

	require.NoError(t, ps.ConnectProducer(context.Background()))
	require.NoError(t, ps.ConnectConsumer(context.Background()))
	assert.True(t, ps.IsProducerReady())
	assert.True(t, ps.IsConsumerReady())

	receipt, err := ps.Publish(context.Background(), []byte("hello"), []byte("k"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, receipt.Offset)

	_, err = ps.PublishBatch(context.Background(), StringMessages("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 3, ps.PublishStream(context.Background(), StringMessages("c", "d", "e"), 2))

	assert.Eventually(t, func() bool {
		return len(rec.values()) == 6
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello", "a", "b", "c", "d", "e"}, rec.values())
}

func TestPubSub_HandlerAfterConnect(t *testing.T) {
	d := newFakeDriver()
	ps := newTestPubSub(t, d, PubSubConfig{})

	first := &recorder{}
	ps.OnMessage(first.handle)
	require.NoError(t, ps.ConnectConsumer(context.Background()))

	second := &recorder{}
	ps.OnMessage(second.handle)
	assert.Equal(t, 2, ps.Consumer().Handlers())

	d.broker.appendValues("t", "x")
	assert.Eventually(t, func() bool {
		return len(first.values()) == 1 && len(second.values()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPubSub_ConnectConsumerTwice(t *testing.T) {
	d := newFakeDriver()
	ps := newTestPubSub(t, d, PubSubConfig{})

	require.NoError(t, ps.ConnectConsumer(context.Background()))
	require.NoError(t, ps.ConnectConsumer(context.Background()))
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestPubSub_ConnectConsumerFailure(t *testing.T) {
	d := newFakeDriver()
	d.dialErr = errors.New("connection refused")
	ps := newTestPubSub(t, d, PubSubConfig{})

	err := ps.ConnectConsumer(context.Background())
	var consumeErr *ConsumeError
	require.ErrorAs(t, err, &consumeErr)
	assert.Nil(t, ps.Consumer())
	assert.False(t, ps.IsConsumerReady())

	d.dialErr = nil
	require.NoError(t, ps.ConnectConsumer(context.Background()))
	assert.True(t, ps.IsConsumerReady())
}

func TestPubSub_PublishBeforeConnect(t *testing.T) {
	d := newFakeDriver()
	ps := newTestPubSub(t, d, PubSubConfig{})

	_, err := ps.Publish(context.Background(), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	var pubErr *PublishError
	assert.ErrorAs(t, err, &pubErr)

	_, err = ps.PublishBatch(context.Background(), StringMessages("x"))
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Equal(t, 0, ps.PublishStream(context.Background(), StringMessages("x"), 1))
	assert.False(t, ps.IsProducerReady())
	assert.EqualValues(t, 0, d.dials.Load())
}

func TestPubSub_Disconnect(t *testing.T) {
	t.Run("without connect", func(t *testing.T) {
		ps := newTestPubSub(t, newFakeDriver(), PubSubConfig{})
		assert.NoError(t, ps.Disconnect(context.Background()))
		assert.NoError(t, ps.Disconnect(context.Background()))
	})

	t.Run("releases both sides", func(t *testing.T) {
		d := newFakeDriver()
		ps := newTestPubSub(t, d, PubSubConfig{})
		require.NoError(t, ps.ConnectProducer(context.Background()))
		require.NoError(t, ps.ConnectConsumer(context.Background()))

		require.NoError(t, ps.Disconnect(context.Background()))
		assert.True(t, d.lastProducer().closed.Load())
		assert.True(t, d.lastConsumer().closed.Load())
		assert.False(t, ps.IsProducerReady())
		assert.False(t, ps.IsConsumerReady())
		assert.Nil(t, ps.Producer())
		assert.Nil(t, ps.Consumer())

		assert.NoError(t, ps.Disconnect(context.Background()))
	})

	t.Run("one side failing does not block the other", func(t *testing.T) {
		d := newFakeDriver()
		ps := newTestPubSub(t, d, PubSubConfig{})
		require.NoError(t, ps.ConnectProducer(context.Background()))
		require.NoError(t, ps.ConnectConsumer(context.Background()))
		d.lastConsumer().closeErr = errors.New("socket busy")

		err := ps.Disconnect(context.Background())
		require.Error(t, err)
		assert.ErrorContains(t, err, "close consumer")
		assert.NotContains(t, err.Error(), "close producer")
		assert.True(t, d.lastProducer().closed.Load())
		assert.True(t, d.lastConsumer().closed.Load())
	})

	t.Run("producer failure is returned", func(t *testing.T) {
		d := newFakeDriver()
		ps := newTestPubSub(t, d, PubSubConfig{})
		require.NoError(t, ps.ConnectProducer(context.Background()))
		require.NoError(t, ps.ConnectConsumer(context.Background()))
		d.lastProducer().closeErr = errors.New("flush refused")

		err := ps.Disconnect(context.Background())
		assert.ErrorContains(t, err, "close producer")
		assert.ErrorContains(t, err, "flush refused")
		assert.True(t, d.lastConsumer().closed.Load())
		assert.False(t, ps.IsConsumerReady())
	})

	t.Run("concurrent calls", func(t *testing.T) {
		d := newFakeDriver()
		ps := newTestPubSub(t, d, PubSubConfig{})
		require.NoError(t, ps.ConnectProducer(context.Background()))
		require.NoError(t, ps.ConnectConsumer(context.Background()))

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = ps.Disconnect(context.Background())
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.True(t, d.lastProducer().closed.Load())
		assert.True(t, d.lastConsumer().closed.Load())
	})

	t.Run("reconnect after disconnect", func(t *testing.T) {
		d := newFakeDriver()
		ps := newTestPubSub(t, d, PubSubConfig{})
		require.NoError(t, ps.ConnectProducer(context.Background()))
		require.NoError(t, ps.Disconnect(context.Background()))

		require.NoError(t, ps.ConnectProducer(context.Background()))
		_, err := ps.Publish(context.Background(), []byte("again"), nil)
		assert.NoError(t, err)
	})
}
