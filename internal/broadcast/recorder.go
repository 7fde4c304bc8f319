package broadcast

import (
	"context"
	"encoding/json"
	"sync"
)

// Recorded is one captured publish.
type Recorded struct {
	Channel string
	Event   string
	Payload json.RawMessage
}

// Recorder captures publishes in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Channel: channel, Event: event, Payload: body})
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// On returns the events published to one channel.
func (r *Recorder) On(channel string) []Recorded {
	var out []Recorded
	for _, e := range r.Events() {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}
