package rpc

import (
	"encoding/json"
	"errors"
)

// Kind discriminates the three message shapes on the wire
type Kind string

const (
	KindCall     Kind = "call"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Message is one unit on the wire
type Message struct {
	FrameID string          `json:"frame_id"`
	Channel string          `json:"channel"`
	CallID  string          `json:"call_id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsNotify reports whether m is a fire-and-forget call
func (m Message) IsNotify() bool {
	return m.Kind == KindCall && m.CallID == ""
}

// errorPayload is the payload of a KindError message
type errorPayload struct {
	Message string `json:"message"`
}

// NewNotify builds a fire-and-forget call carrying args
func NewNotify(frameID, channel string, args interface{}) (Message, error) {
	payload, err := encode(args)
	if err != nil {
		return Message{}, err
	}
	return Message{FrameID: frameID, Channel: channel, Kind: KindCall, Payload: payload}, nil
}

// Decode unmarshals the payload into out
func (m Message) Decode(out interface{}) error {
	if len(m.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(m.Payload, out)
}

func encode(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
