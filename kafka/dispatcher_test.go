package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsHandlersInOrder(t *testing.T) {
	d := NewDispatcher(NewNoopLogger(), nil, nil)

	var calls []int
	for i := 0; i < 3; i++ {
		i := i
		d.Register(func(ctx context.Context, msg *Message) error {
			calls = append(calls, i)
			return nil
		})
	}

	failed := d.Dispatch(context.Background(), &Message{Topic: "t"})
	assert.Equal(t, 0, failed)
	assert.Equal(t, []int{0, 1, 2}, calls)
}

func TestDispatcher_IsolatesFailures(t *testing.T) {
	var reported []error
	m := NewMetrics("test")
	d := NewDispatcher(NewNoopLogger(), m, func(err error, msg *Message) {
		reported = append(reported, err)
	})

	var calls []string
	d.Register(func(ctx context.Context, msg *Message) error {
		calls = append(calls, "first")
		return nil
	})
	d.Register(func(ctx context.Context, msg *Message) error {
		calls = append(calls, "second")
		return errors.New("boom")
	})
	d.Register(func(ctx context.Context, msg *Message) error {
		calls = append(calls, "third")
		return nil
	})

	failed := d.Dispatch(context.Background(), &Message{Topic: "t", Offset: 7})

	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	require.Len(t, reported, 1)

	var herr *HandlerError
	require.ErrorAs(t, reported[0], &herr)
	assert.Equal(t, 1, herr.Index)
	assert.Equal(t, "t", herr.Topic)
	assert.EqualValues(t, 7, herr.Offset)
	assert.EqualError(t, herr.Err, "boom")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerErrorsTotal.WithLabelValues("t")))
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	var reported []error
	d := NewDispatcher(NewNoopLogger(), nil, func(err error, msg *Message) {
		reported = append(reported, err)
	})

	reached := false
	d.Register(func(ctx context.Context, msg *Message) error {
		panic("nil map")
	})
	d.Register(func(ctx context.Context, msg *Message) error {
		reached = true
		return nil
	})

	var failed int
	assert.NotPanics(t, func() {
		failed = d.Dispatch(context.Background(), &Message{Topic: "t"})
	})
	assert.Equal(t, 1, failed)
	assert.True(t, reached)
	require.Len(t, reported, 1)
	assert.ErrorContains(t, reported[0], "panic: nil map")
}

func TestDispatcher_Register(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, 0, d.Dispatch(context.Background(), &Message{}))

	d.Register(nil)
	assert.Equal(t, 0, d.Len())

	d.Register(func(ctx context.Context, msg *Message) error { return nil })
	assert.Equal(t, 1, d.Len())
}
