package protocol

import (
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Payload is an opaque JSON value (an SDP description or an ICE candidate)
// carried through the relay without interpretation. JSON frames embed it
// as-is; msgpack frames carry the same JSON text as a binary string, so a
// payload survives any mix of sender and recipient codecs unchanged.
type Payload []byte

var (
	_ json.Marshaler        = Payload(nil)
	_ json.Unmarshaler      = (*Payload)(nil)
	_ msgpack.CustomEncoder = Payload(nil)
	_ msgpack.CustomDecoder = (*Payload)(nil)
)

var errInvalidPayload = errors.New("payload is not a JSON value")

// NewPayload encodes v as a payload.
func NewPayload(v interface{}) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(b), nil
}

// DescriptionPayload wraps a session description.
func DescriptionPayload(d SessionDescription) Payload {
	p, _ := NewPayload(d)
	return p
}

// CandidatePayload wraps an ICE candidate.
func CandidatePayload(c Candidate) Payload {
	p, _ := NewPayload(c)
	return p
}

// Present reports whether the field was sent with a non-null value.
func (p Payload) Present() bool {
	return len(p) > 0 && string(p) != "null"
}

// Unmarshal decodes the payload into v. Only endpoints do this; the relay
// never looks inside.
func (p Payload) Unmarshal(v interface{}) error {
	if !p.Present() {
		return errors.New("empty payload")
	}
	return json.Unmarshal(p, v)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (p Payload) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(p)
}

func (p *Payload) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) == 0 || string(b) == "null" {
		*p = nil
		return nil
	}
	if !json.Valid(b) {
		return errInvalidPayload
	}
	*p = Payload(b)
	return nil
}
