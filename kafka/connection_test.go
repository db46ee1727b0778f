package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(timeout time.Duration) *Connection[ProducerTransport] {
	return NewConnection[ProducerTransport]("localhost:9092", timeout, NewNoopLogger())
}

func dialWith(d *fakeDriver) DialFunc[ProducerTransport] {
	return func(ctx context.Context) (ProducerTransport, error) {
		return d.DialProducer(ctx, &ProducerConfig{Topic: "t"})
	}
}

func TestConnection_Connect(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		d := newFakeDriver()
		conn := newTestConnection(time.Second)
		assert.Equal(t, StateDisconnected, conn.State())

		require.NoError(t, conn.Connect(context.Background(), dialWith(d)))
		assert.Equal(t, StateReady, conn.State())
		assert.True(t, conn.Ready())

		tr, err := conn.Transport()
		require.NoError(t, err)
		assert.Same(t, d.lastProducer(), tr)
	})

	t.Run("connect when ready is a no-op", func(t *testing.T) {
		d := newFakeDriver()
		conn := newTestConnection(time.Second)

		require.NoError(t, conn.Connect(context.Background(), dialWith(d)))
		require.NoError(t, conn.Connect(context.Background(), dialWith(d)))
		assert.EqualValues(t, 1, d.dials.Load())
	})

	t.Run("unreachable", func(t *testing.T) {
		d := newFakeDriver()
		d.dialErr = errors.New("connection refused")
		conn := newTestConnection(time.Second)

		err := conn.Connect(context.Background(), dialWith(d))
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "localhost:9092", connErr.Endpoint)
		assert.Equal(t, StateError, conn.State())
		assert.Error(t, conn.Err())

		_, err = conn.Transport()
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("failed ping releases the transport", func(t *testing.T) {
		d := newFakeDriver()
		d.pingErr = errors.New("no brokers")
		conn := newTestConnection(time.Second)

		err := conn.Connect(context.Background(), dialWith(d))
		require.Error(t, err)
		assert.True(t, d.lastProducer().closed.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		d := newFakeDriver()
		d.dialDelay = time.Second
		conn := newTestConnection(50 * time.Millisecond)

		start := time.Now()
		err := conn.Connect(context.Background(), dialWith(d))
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectTimeout)
		assert.Less(t, elapsed, time.Second)
		assert.Equal(t, StateError, conn.State())
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		d := newFakeDriver()
		d.dialDelay = time.Second
		conn := newTestConnection(time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		err := conn.Connect(ctx, dialWith(d))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrConnectTimeout)
	})
}

func TestConnection_Disconnect(t *testing.T) {
	t.Run("without connect", func(t *testing.T) {
		conn := newTestConnection(time.Second)
		assert.NoError(t, conn.Disconnect())
		assert.NoError(t, conn.Disconnect())
		assert.Equal(t, StateDisconnected, conn.State())
	})

	t.Run("releases transport", func(t *testing.T) {
		d := newFakeDriver()
		conn := newTestConnection(time.Second)
		require.NoError(t, conn.Connect(context.Background(), dialWith(d)))

		assert.NoError(t, conn.Disconnect())
		assert.True(t, d.lastProducer().closed.Load())
		assert.Equal(t, StateDisconnected, conn.State())

		_, err := conn.Transport()
		assert.ErrorIs(t, err, ErrNotConnected)

		assert.NoError(t, conn.Disconnect())
	})

	t.Run("after error", func(t *testing.T) {
		d := newFakeDriver()
		conn := newTestConnection(time.Second)
		require.NoError(t, conn.Connect(context.Background(), dialWith(d)))

		conn.MarkError(ErrTransportFatal)
		assert.Equal(t, StateError, conn.State())

		assert.NoError(t, conn.Disconnect())
		assert.True(t, d.lastProducer().closed.Load())
	})

	t.Run("close failure is reported", func(t *testing.T) {
		d := newFakeDriver()
		d.closeErr = errors.New("socket busy")
		conn := newTestConnection(time.Second)
		require.NoError(t, conn.Connect(context.Background(), dialWith(d)))

		assert.Error(t, conn.Disconnect())
		assert.Equal(t, StateDisconnected, conn.State())
		assert.NoError(t, conn.Disconnect())
	})
}

func TestConnection_Reconnect(t *testing.T) {
	d := newFakeDriver()
	conn := newTestConnection(time.Second)

	require.NoError(t, conn.Connect(context.Background(), dialWith(d)))
	first := d.lastProducer()
	require.NoError(t, conn.Disconnect())

	require.NoError(t, conn.Connect(context.Background(), dialWith(d)))
	second := d.lastProducer()

	assert.NotSame(t, first, second)
	tr, err := conn.Transport()
	require.NoError(t, err)
	assert.Same(t, second, tr)
}

func TestConnection_ReconnectAfterError(t *testing.T) {
	d := newFakeDriver()
	conn := newTestConnection(time.Second)

	require.NoError(t, conn.Connect(context.Background(), dialWith(d)))
	stale := d.lastProducer()
	conn.MarkError(errors.New("broker went away"))

	require.NoError(t, conn.Connect(context.Background(), dialWith(d)))
	assert.True(t, stale.closed.Load())
	assert.Equal(t, StateReady, conn.State())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "READY", StateReady.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "UNKNOWN", ConnState(42).String())
}
