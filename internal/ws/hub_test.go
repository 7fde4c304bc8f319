package ws

import (
	"encoding/json"
	"testing"
)

func newFakeClient(channels ...string) *Client {
	return &Client{send: make(chan []byte, 8), subscribed: channels}
}

func TestHub_RegisterAndOnline(t *testing.T) {
	hub := NewHub()
	c := newFakeClient("room.general", "rooms")
	hub.register(c)

	if hub.Online("room.general") != 1 {
		t.Errorf("Online(room.general) = %d, want 1", hub.Online("room.general"))
	}
	if hub.Online("room.random") != 0 {
		t.Errorf("Online(room.random) = %d, want 0", hub.Online("room.random"))
	}

	hub.unregister(c)
	if hub.Online("room.general") != 0 {
		t.Errorf("Online() after unregister = %d, want 0", hub.Online("room.general"))
	}
}

func TestHub_DeliverRoutesByChannel(t *testing.T) {
	hub := NewHub()
	inRoom := newFakeClient("room.general")
	elsewhere := newFakeClient("room.random")
	hub.register(inRoom)
	hub.register(elsewhere)

	hub.Deliver("room.general", "message", []byte(`{"content":"hi"}`))

	select {
	case data := <-inRoom.send:
		var evt OutboundEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode outbound event: %v", err)
		}
		if evt.Channel != "room.general" || evt.Event != "message" {
			t.Errorf("event = %+v", evt)
		}
	default:
		t.Fatal("subscribed client received nothing")
	}

	select {
	case <-elsewhere.send:
		t.Fatal("client on another channel received the event")
	default:
	}
}

func TestHub_DeliverToMultipleSubscribers(t *testing.T) {
	hub := NewHub()
	clients := []*Client{
		newFakeClient("room.general"),
		newFakeClient("room.general"),
		newFakeClient("room.general"),
	}
	for _, c := range clients {
		hub.register(c)
	}

	hub.Deliver("room.general", "presence", []byte(`{}`))

	for i, c := range clients {
		select {
		case <-c.send:
		default:
			t.Errorf("client %d received nothing", i)
		}
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewHub()
	slow := &Client{send: make(chan []byte), subscribed: []string{"room.general"}} // no buffer
	hub.register(slow)

	hub.Deliver("room.general", "message", []byte(`{}`))

	if hub.Online("room.general") != 0 {
		t.Errorf("slow client still registered, want dropped")
	}
	// channel was closed on drop
	if _, ok := <-slow.send; ok {
		t.Error("send channel not closed for dropped client")
	}
}

func TestHub_UnregisterIdempotent(t *testing.T) {
	hub := NewHub()
	c := newFakeClient("rooms")
	hub.register(c)
	hub.unregister(c)
	hub.unregister(c) // second call must not double-close the channel
}

func TestHub_PersonalChannel(t *testing.T) {
	hub := NewHub()
	alice := newFakeClient("rooms", "user.alice")
	bob := newFakeClient("rooms", "user.bob")
	hub.register(alice)
	hub.register(bob)

	hub.Deliver("user.alice", "rooms-updated", []byte(`{}`))

	select {
	case <-alice.send:
	default:
		t.Error("alice did not receive her personal event")
	}
	select {
	case <-bob.send:
		t.Error("bob received alice's personal event")
	default:
	}
}
