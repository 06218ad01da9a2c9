// Package messaging defines the event bus abstraction the collector publishes
// detection and block events to.
package messaging

import (
	"context"
	"time"
)

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends data to subject. Delivery is fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishJSON marshals v and publishes it to subject.
	PublishJSON(ctx context.Context, subject string, v any) error

	// IsConnected reports whether the broker connection is up.
	IsConnected() bool

	// Close flushes pending messages and releases the connection.
	Close() error
}

// HealthStatus represents the health state of a broker connection.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// DefaultHealthTimeout bounds the broker round trip when the caller's
// context has no deadline.
const DefaultHealthTimeout = 5 * time.Second

// Flusher is implemented by publishers that can round-trip to the broker.
type Flusher interface {
	FlushContext(ctx context.Context) error
}

// CheckHealth reports whether p is connected and, when it supports flushing,
// how long a round trip to the broker takes.
func CheckHealth(ctx context.Context, p Publisher) HealthStatus {
	var status HealthStatus
	if p == nil {
		status.Error = "publisher is nil"
		return status
	}

	status.Connected = p.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	if f, ok := p.(Flusher); ok {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
			defer cancel()
		}
		start := time.Now()
		err := f.FlushContext(ctx)
		status.Latency = time.Since(start)
		if err != nil {
			status.Error = "flush failed: " + err.Error()
		}
	}
	return status
}

// Nop is a Publisher that drops everything. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) PublishJSON(context.Context, string, any) error { return nil }
func (Nop) IsConnected() bool                              { return false }
func (Nop) Close() error                                   { return nil }
