package idex

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/caesar-terminal/idexbook/internal/adapter"
)

// Transport is the subset of *adapter.WSClient the Adapter needs.
type Transport interface {
	Subscribe() <-chan adapter.Frame
	Send(data []byte)
}

// Adapter decodes IDEX WebSocket frames into Messages and issues
// subscription requests. Messages keep the transport's arrival order.
type Adapter struct {
	ws       Transport
	frames   <-chan adapter.Frame
	messages chan Message
	newCID   func() string
}

// New creates an Adapter backed by ws. It subscribes to the transport
// immediately so no frames are missed; create it before ws.Connect.
func New(ws Transport) *Adapter {
	return &Adapter{
		ws:       ws,
		frames:   ws.Subscribe(),
		messages: make(chan Message, 1024),
		newCID:   uuid.NewString,
	}
}

// Messages returns the decoded stream. It is closed when Run returns.
func (a *Adapter) Messages() <-chan Message {
	return a.messages
}

// Subscribe requests each named subscription for markets.
func (a *Adapter) Subscribe(markets []string, names ...string) error {
	subs := make([]Subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, Subscription{Name: name, Markets: markets})
	}
	return a.send(subscribeRequest{Method: "subscribe", CID: a.newCID(), Subscriptions: subs})
}

// Unsubscribe drops the named subscriptions. An empty markets list drops them
// for every market.
func (a *Adapter) Unsubscribe(markets []string, names ...string) error {
	return a.send(unsubscribeRequest{Method: "unsubscribe", CID: a.newCID(), Markets: markets, Subscriptions: names})
}

// ListSubscriptions asks the venue for the active subscriptions; the answer
// arrives as a MessageSubscriptions.
func (a *Adapter) ListSubscriptions() error {
	return a.send(listSubscriptionsRequest{Method: "subscriptions", CID: a.newCID()})
}

func (a *Adapter) send(req any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	a.ws.Send(data)
	return nil
}

// Run decodes frames until ctx is cancelled or the transport closes.
func (a *Adapter) Run(ctx context.Context) {
	defer close(a.messages)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-a.frames:
			if !ok {
				return
			}
			msg, ok := a.handleFrame(f)
			if !ok {
				continue
			}
			select {
			case a.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) handleFrame(f adapter.Frame) (Message, bool) {
	switch f.Kind {
	case adapter.FrameConnected:
		return Message{Kind: MessageConnected}, true
	case adapter.FrameDisconnected:
		return Message{Kind: MessageDisconnected, Err: f.Err}, true
	}

	msg, err := DecodeMessage(f.Data)
	if errors.Is(err, ErrUnsupportedMessage) {
		log.Debug().Err(err).Msg("idex: ignoring message")
		return Message{}, false
	}
	if err != nil {
		log.Warn().Err(err).Bytes("raw", f.Data).Msg("idex: decode message")
		return Message{}, false
	}
	return msg, true
}
