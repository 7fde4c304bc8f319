// Package broadcast is the fire-and-forget notification transport. State
// changes are published to per-room and per-user channels after they commit;
// publish failures are logged by callers and never fail the mutation.
package broadcast

import (
	"context"
	"encoding/json"
)

// Broadcaster publishes an event with a payload to a notification channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Handler receives every published event; used by the websocket gateway.
type Handler func(channel, event string, payload []byte)

// Subscriber delivers all published events to a handler until the returned
// stop function is called.
type Subscriber interface {
	Subscribe(h Handler) (stop func(), err error)
}

// Channel names.
func RoomChannel(roomID string) string   { return "room." + roomID }
func UserChannel(username string) string { return "user." + username }

// RoomsChannel carries registry-wide updates (room created/deleted).
const RoomsChannel = "rooms"

// envelope is the wire form of a published event.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Noop discards every publish; used when no transport is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, string, any) error { return nil }
