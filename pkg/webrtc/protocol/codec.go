package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols understood by the relay. A client that negotiates
// none of them gets JSON.
const (
	SubprotocolJSON    = "p2pcall.json"
	SubprotocolMsgpack = "p2pcall.msgpack"
)

// Subprotocols lists every supported subprotocol in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Codec turns messages into websocket frames and back.
type Codec interface {
	Name() string
	// FrameType is the websocket message type frames are sent as.
	FrameType() int
	Marshal(msg Message) ([]byte, error)
	Unmarshal(data []byte) (Message, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecFor returns the codec bound to a negotiated subprotocol.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return Msgpack
	}
	return JSON
}

// CodecByName resolves "json" or "msgpack", as used in configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return SubprotocolJSON }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	return msg, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string   { return SubprotocolMsgpack }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(msg Message) ([]byte, error) {
	return msgpack.Marshal(&msg)
}

func (msgpackCodec) Unmarshal(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Decode unmarshals and validates one frame.
func Decode(c Codec, data []byte) (Message, error) {
	msg, err := c.Unmarshal(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
