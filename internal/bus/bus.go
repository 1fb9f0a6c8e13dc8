// Package bus defines the message bus abstraction an instance of the
// signaling server uses to fan a room's frames out to other
// instances. The server is deployed single-instance today, so the
// default Service is a no-op; the interface and a Redis-backed
// implementation exist so a deployment that outgrows a single process
// has somewhere to plug in.
package bus

import "context"

// Envelope is the payload carried across instances for a single
// routed frame.
type Envelope struct {
	RoomID   string
	Event    string
	Payload  []byte
	SenderID string
}

// Service fans frames out to other instances of the server and
// delivers frames originated elsewhere back to this instance.
type Service interface {
	// Publish sends an envelope to every other instance subscribed to
	// roomID. Implementations must be safe to call on a nil pointer of
	// their own concrete type so a disabled bus costs nothing.
	Publish(ctx context.Context, roomID string, env Envelope) error

	// Subscribe registers handler to receive envelopes published for
	// roomID by other instances, until ctx is cancelled.
	Subscribe(ctx context.Context, roomID string, handler func(Envelope))

	// Ping reports whether the bus backend is reachable. Used by
	// health readiness checks.
	Ping(ctx context.Context) error
}

// NoopService is the default Service used in single-instance mode. It
// never delivers a published envelope back to any subscriber, since
// there are no other instances to hear from.
type NoopService struct{}

func (NoopService) Publish(ctx context.Context, roomID string, env Envelope) error { return nil }

func (NoopService) Subscribe(ctx context.Context, roomID string, handler func(Envelope)) {}

func (NoopService) Ping(ctx context.Context) error { return nil }

var _ Service = NoopService{}
