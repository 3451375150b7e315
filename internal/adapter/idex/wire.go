// Package idex speaks the IDEX v1 REST and WebSocket protocols and converts
// their decimal-string payloads to and from the pip order book model.
package idex

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Subscription names used by the order book synchronizer.
const (
	SubscriptionL2OrderBook = "l2orderbook"
	SubscriptionTokenPrice  = "tokenprice"
)

var (
	ErrMalformedMessage   = errors.New("idex: malformed websocket message")
	ErrUnsupportedMessage = errors.New("idex: unsupported websocket message type")
)

// shortFieldNames expands the abbreviated keys of streamed data objects.
// Nested objects are looked up as "<type>.<long name>". Keys missing from a
// table pass through unchanged.
var shortFieldNames = map[string]map[string]string{
	SubscriptionL2OrderBook: {
		"m": "market",
		"t": "time",
		"u": "sequence",
		"b": "bids",
		"a": "asks",
		"p": "pool",
	},
	SubscriptionL2OrderBook + ".pool": {
		"q": "baseReserveQuantity",
		"Q": "quoteReserveQuantity",
	},
	SubscriptionTokenPrice: {
		"t": "token",
		"p": "price",
	},
}

// expandFields rewrites the keys of a JSON object using the table for path,
// recursing into nested objects that have their own table.
func expandFields(path string, raw json.RawMessage) (json.RawMessage, error) {
	table, ok := shortFieldNames[path]
	if !ok {
		return raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		// null pools and non-object payloads are left to the typed decoder
		return raw, nil
	}

	out := make(map[string]json.RawMessage, len(fields))
	for key, value := range fields {
		long, ok := table[key]
		if !ok {
			long = key
		}
		expanded, err := expandFields(path+"."+long, value)
		if err != nil {
			return nil, err
		}
		out[long] = expanded
	}
	return json.Marshal(out)
}

// Level is one wire price level, encoded as [price, size, numOrders].
type Level struct {
	Price     string
	Size      string
	NumOrders uint32
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("%w: price level has %d elements", ErrMalformedMessage, len(parts))
	}
	if err := json.Unmarshal(parts[0], &l.Price); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[1], &l.Size); err != nil {
		return err
	}
	return json.Unmarshal(parts[2], &l.NumOrders)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.Price, l.Size, l.NumOrders})
}

// PoolReserves is the wire form of liquidity pool reserves.
type PoolReserves struct {
	BaseReserveQuantity  string `json:"baseReserveQuantity"`
	QuoteReserveQuantity string `json:"quoteReserveQuantity"`
}

// OrderBook is the REST order book response and the rendered output of the
// synchronizer's L1 and L2 views.
type OrderBook struct {
	Sequence uint64        `json:"sequence"`
	Asks     []Level       `json:"asks"`
	Bids     []Level       `json:"bids"`
	Pool     *PoolReserves `json:"pool"`
}

// L2OrderBookMessage is one l2orderbook diff.
type L2OrderBookMessage struct {
	Market   string        `json:"market"`
	Time     int64         `json:"time"`
	Sequence uint64        `json:"sequence"`
	Bids     []Level       `json:"bids"`
	Asks     []Level       `json:"asks"`
	Pool     *PoolReserves `json:"pool"`
}

// TokenPriceMessage is one tokenprice tick. A nil Price means the venue has
// no price for the token.
type TokenPriceMessage struct {
	Token string  `json:"token"`
	Price *string `json:"price"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorMessage) Error() string {
	return fmt.Sprintf("idex: %s: %s", e.Code, e.Message)
}

// Subscription is one entry of a subscribe request or subscriptions response.
type Subscription struct {
	Name    string   `json:"name"`
	Markets []string `json:"markets,omitempty"`
}

// MessageKind tags the variant carried by a Message.
type MessageKind uint8

const (
	MessageConnected MessageKind = iota
	MessageDisconnected
	MessageL2OrderBook
	MessageTokenPrice
	MessageError
	MessageSubscriptions
)

// Message is a decoded stream item. Exactly the field matching Kind is set.
type Message struct {
	Kind          MessageKind
	CID           string
	L2            *L2OrderBookMessage
	TokenPrice    *TokenPriceMessage
	Error         *ErrorMessage
	Subscriptions []Subscription
	// Err is the transport error behind MessageDisconnected.
	Err error
}

type envelope struct {
	Type          string          `json:"type"`
	CID           string          `json:"cid,omitempty"`
	Subscription  string          `json:"subscription,omitempty"`
	Data          json.RawMessage `json:"data"`
	Subscriptions []Subscription  `json:"subscriptions"`
}

// DecodeMessage parses one WebSocket text frame.
func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := Message{CID: env.CID}
	switch env.Type {
	case SubscriptionL2OrderBook:
		data, err := expandFields(env.Type, env.Data)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		var l2 L2OrderBookMessage
		if err := json.Unmarshal(data, &l2); err != nil {
			return Message{}, fmt.Errorf("%w: l2orderbook: %v", ErrMalformedMessage, err)
		}
		msg.Kind, msg.L2 = MessageL2OrderBook, &l2

	case SubscriptionTokenPrice:
		data, err := expandFields(env.Type, env.Data)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		var tp TokenPriceMessage
		if err := json.Unmarshal(data, &tp); err != nil {
			return Message{}, fmt.Errorf("%w: tokenprice: %v", ErrMalformedMessage, err)
		}
		msg.Kind, msg.TokenPrice = MessageTokenPrice, &tp

	case "error":
		var e ErrorMessage
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return Message{}, fmt.Errorf("%w: error: %v", ErrMalformedMessage, err)
		}
		msg.Kind, msg.Error = MessageError, &e

	case "subscriptions":
		msg.Kind, msg.Subscriptions = MessageSubscriptions, env.Subscriptions

	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedMessage, env.Type)
	}
	return msg, nil
}

type subscribeRequest struct {
	Method        string         `json:"method"`
	CID           string         `json:"cid,omitempty"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type unsubscribeRequest struct {
	Method        string   `json:"method"`
	CID           string   `json:"cid,omitempty"`
	Markets       []string `json:"markets,omitempty"`
	Subscriptions []string `json:"subscriptions"`
}

type listSubscriptionsRequest struct {
	Method string `json:"method"`
	CID    string `json:"cid,omitempty"`
}

// String renders a kind for logs.
func (k MessageKind) String() string {
	switch k {
	case MessageConnected:
		return "connected"
	case MessageDisconnected:
		return "disconnected"
	case MessageL2OrderBook:
		return SubscriptionL2OrderBook
	case MessageTokenPrice:
		return SubscriptionTokenPrice
	case MessageError:
		return "error"
	case MessageSubscriptions:
		return "subscriptions"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}
