package broadcast

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "chat."

// NATS publishes events over a NATS connection, one subject per channel.
type NATS struct {
	nc *nats.Conn
}

func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("ryos-chat"))
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc}, nil
}

func (n *NATS) Publish(_ context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Event: event, Payload: body})
	if err != nil {
		return err
	}
	return n.nc.Publish(subjectPrefix+channel, data)
}

// Subscribe delivers every chat event to h until stop is called.
func (n *NATS) Subscribe(h Handler) (func(), error) {
	sub, err := n.nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		channel := strings.TrimPrefix(msg.Subject, subjectPrefix)
		h(channel, env.Event, env.Payload)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (n *NATS) Close() { n.nc.Close() }
