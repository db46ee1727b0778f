package kafka

import (
	"context"
	"fmt"
	"time"
)

// HealthChecker reports the state of a producer and a consumer.
// Either may be nil.
type HealthChecker struct {
	producer *Producer
	consumer *Consumer
	timeout  time.Duration
	maxLag   int64
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(producer *Producer, consumer *Consumer) *HealthChecker {
	return &HealthChecker{
		producer: producer,
		consumer: consumer,
		timeout:  10 * time.Second,
		maxLag:   -1,
	}
}

// SetTimeout sets the health check timeout
func (h *HealthChecker) SetTimeout(timeout time.Duration) {
	h.timeout = timeout
}

// SetMaxLag makes Check report DOWN when the consumer lags more than maxLag
// records. A negative value disables the lag check.
func (h *HealthChecker) SetMaxLag(maxLag int64) {
	h.maxLag = maxLag
}

// Check reports UP when every configured side is ready
func (h *HealthChecker) Check(ctx context.Context) *HealthResult {
	// Check if context is already cancelled
	select {
	case <-ctx.Done():
		return downResult(ctx.Err(), nil)
	default:
	}

	if h.producer == nil && h.consumer == nil {
		return downResult(fmt.Errorf("nothing to check"), nil)
	}

	details := make(map[string]interface{})

	if h.producer != nil {
		details["producer"] = map[string]interface{}{
			"state": h.producer.State().String(),
			"mode":  h.producer.Mode().String(),
			"topic": h.producer.Topic(),
		}
		if !h.producer.Ready() {
			return downResult(fmt.Errorf("producer is %s", h.producer.State()), details)
		}
	}

	if h.consumer != nil {
		cur := h.consumer.Cursor()
		consumerDetails := map[string]interface{}{
			"state":     h.consumer.State().String(),
			"topic":     cur.Topic,
			"partition": cur.Partition,
			"group":     cur.Group,
			"position":  cur.Position,
			"committed": h.consumer.Committed(),
		}
		details["consumer"] = consumerDetails
		if !h.consumer.Ready() {
			return downResult(fmt.Errorf("consumer is %s", h.consumer.State()), details)
		}

		if h.maxLag >= 0 {
			lagResult := h.CheckConsumerLag(ctx, h.maxLag)
			consumerDetails["lag"] = lagResult.Details["lag"]
			if lagResult.Status != HealthStatusUp {
				return downResult(lagResult.Error, details)
			}
		}
	}

	return &HealthResult{
		Status:  HealthStatusUp,
		Details: details,
	}
}

// CheckConsumerLag reports DOWN when the consumer is more than maxLag
// records behind the partition tail
func (h *HealthChecker) CheckConsumerLag(ctx context.Context, maxLag int64) *HealthResult {
	if h.consumer == nil {
		return downResult(fmt.Errorf("no consumer configured"), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	lag, err := h.consumer.Lag(ctx)
	if err != nil {
		return downResult(err, nil)
	}

	cur := h.consumer.Cursor()
	details := map[string]interface{}{
		"groupId":   cur.Group,
		"topic":     cur.Topic,
		"partition": cur.Partition,
		"lag":       lag,
		"maxLag":    maxLag,
	}

	if lag > maxLag {
		return &HealthResult{
			Status:  HealthStatusDown,
			Error:   fmt.Errorf("consumer lag %d exceeds %d", lag, maxLag),
			Details: details,
		}
	}

	return &HealthResult{
		Status:  HealthStatusUp,
		Details: details,
	}
}

// Health checks both sides of ps
func (ps *PubSub) Health(ctx context.Context) *HealthResult {
	return NewHealthChecker(ps.Producer(), ps.Consumer()).Check(ctx)
}

func downResult(err error, details map[string]interface{}) *HealthResult {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["error"] = err.Error()
	return &HealthResult{
		Status:  HealthStatusDown,
		Error:   err,
		Details: details,
	}
}
