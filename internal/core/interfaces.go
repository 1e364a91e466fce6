package core

import (
	"context"
	"time"

	"github.com/e7canasta/sdrbridge/internal/emitter"
)

// Transport is the broker session as the orchestrator sees it. The emitter
// package provides the MQTT implementation; tests provide fakes.
type Transport interface {
	// Connect establishes the session and blocks, bounded, until it is up.
	Connect(ctx context.Context) error
	// IsConnected reports the session state; written only by the transport's
	// own connect/disconnect callbacks.
	IsConnected() bool
	// DisconnectedFor returns how long the session has been continuously
	// down, zero when connected.
	DisconnectedFor() time.Duration
	// Publish sends payload and waits, bounded, for acknowledgement.
	Publish(topic string, payload []byte, qos byte) error
	// Handle registers a message handler; valid before Connect.
	Handle(topic string, qos byte, fn func(payload []byte))
	// Unsubscribe removes a broker subscription.
	Unsubscribe(topic string) error
	// Disconnect closes the session; safe if Connect never ran.
	Disconnect() error
}

var _ Transport = (*emitter.Emitter)(nil)
