package kafka

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Dispatcher runs every registered handler once per message, in
// registration order, on the caller's goroutine. A failing or panicking
// handler is logged and skipped; the others still run.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []MessageHandler

	onError ErrorHandler
	logger  Logger
	metrics *Metrics
}

// NewDispatcher creates an empty dispatcher. onError, if set, receives
// every *HandlerError.
func NewDispatcher(logger Logger, metrics *Metrics, onError ErrorHandler) *Dispatcher {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &Dispatcher{
		logger:  logger,
		metrics: metrics,
		onError: onError,
	}
}

// Register appends h. Handlers cannot be removed.
func (d *Dispatcher) Register(h MessageHandler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Len returns the number of registered handlers
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch invokes every handler with msg and returns how many failed
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) int {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	failed := 0
	for i, h := range handlers {
		if err := d.invoke(ctx, i, h, msg); err != nil {
			failed++
			d.metrics.incHandlerError(msg.Topic)
			d.logger.Error("Error in message handler: %v", err)
			if d.onError != nil {
				d.onError(err, msg)
			}
		}
	}
	return failed
}

func (d *Dispatcher) invoke(ctx context.Context, index int, h MessageHandler, msg *Message) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Debug("Handler #%d panic stack: %s", index, debug.Stack())
			herr = &HandlerError{Index: index, Topic: msg.Topic, Offset: msg.Offset, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := h(ctx, msg); err != nil {
		return &HandlerError{Index: index, Topic: msg.Topic, Offset: msg.Offset, Err: err}
	}
	return nil
}
