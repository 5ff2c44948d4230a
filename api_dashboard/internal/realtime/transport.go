package realtime

import (
	"context"
	"fmt"
)

// TransportState is what a transport reports about one open channel
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportOpen
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportOpen:
		return "open"
	case TransportFailed:
		return "error"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives everything a transport observes on a channel. Deliver is
// called from a single goroutine per channel, in feed order.
type Sink interface {
	Deliver(n Notification)
	SetState(s TransportState, err error)
}

// Channel is an open transport subscription
type Channel interface {
	Close() error
}

// Transport opens change-feed channels. Open may report states on sink
// before it returns.
type Transport interface {
	Open(ctx context.Context, key ChannelKey, sink Sink) (Channel, error)
}

// TransportError is recorded on a channel that failed to open or dropped.
// It is observed through Manager.Status, never returned from delivery.
type TransportError struct {
	Key ChannelKey
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
