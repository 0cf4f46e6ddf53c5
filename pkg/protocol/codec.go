// pkg/protocol/codec.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedFrame is matched by every decode failure.
var ErrMalformedFrame = errors.New("malformed frame")

// MalformedFrameError describes why an incoming frame was rejected.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *MalformedFrameError) Is(target error) bool { return target == ErrMalformedFrame }

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// Codec turns frames into bytes and back.
type Codec interface {
	Name() string
	// Binary reports whether frames travel as binary WebSocket messages.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the daemon's native text encoding.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Binary() bool                       { return false }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec frames envelopes as MessagePack. Payloads stay JSON and travel
// as a binary field.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return "msgpack" }
func (MsgpackCodec) Binary() bool                       { return true }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecFor picks the codec matching a frame's transport type.
func CodecFor(binary bool) Codec {
	if binary {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// EncodeRequest serializes one outgoing call.
func EncodeRequest(c Codec, id RequestID, req Request) ([]byte, error) {
	if !req.Call.Valid() {
		return nil, fmt.Errorf("encode request %d: unknown call %q", id, req.Call)
	}
	if req.Args == nil {
		req.Args = []string{}
	}
	data, err := c.Marshal(PackedRequest{RequestID: id, Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode request %d (%s): %w", id, req.Call, err)
	}
	return data, nil
}

// DecodeEnvelope parses an incoming frame. Every failure matches
// ErrMalformedFrame.
func DecodeEnvelope(c Codec, data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, &MalformedFrameError{Reason: "empty frame"}
	}
	var msg Message
	if err := c.Unmarshal(data, &msg); err != nil {
		return Envelope{}, &MalformedFrameError{Reason: "undecodable " + c.Name(), Err: err}
	}

	if msg.MessageType == MessageResponse {
		if msg.RequestID == 0 {
			return Envelope{}, &MalformedFrameError{Reason: "response without requestID"}
		}
		return Envelope{Response: &Response{
			RequestID: msg.RequestID,
			Payload:   msg.Payload,
			Error:     msg.Error,
		}}, nil
	}

	if msg.MessageType < MessageComponentList || msg.MessageType > MessagePubSub {
		return Envelope{}, &MalformedFrameError{Reason: fmt.Sprintf("unknown messageType %d", msg.MessageType)}
	}
	key := msg.SubscribedKey
	if key == "" {
		var ok bool
		if key, ok = legacyKey(&msg); !ok {
			return Envelope{}, &MalformedFrameError{Reason: fmt.Sprintf("%s push without subscription key", msg.MessageType)}
		}
	}
	return Envelope{Push: &Push{
		Key:     key,
		Type:    msg.MessageType,
		Topic:   msg.Topic,
		Payload: msg.Payload,
	}}, nil
}

// DecodeRequest parses an outgoing frame; the daemon side uses it.
func DecodeRequest(c Codec, data []byte) (PackedRequest, error) {
	var req PackedRequest
	if err := c.Unmarshal(data, &req); err != nil {
		return PackedRequest{}, &MalformedFrameError{Reason: "undecodable request", Err: err}
	}
	if req.Request.Call == "" {
		return PackedRequest{}, &MalformedFrameError{Reason: "request without call"}
	}
	return req, nil
}

// EncodeMessage serializes an incoming-direction frame; the daemon side uses it.
func EncodeMessage(c Codec, msg Message) ([]byte, error) {
	data, err := c.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.MessageType, err)
	}
	return data, nil
}

// NewResponseMessage builds a successful response carrying payload.
func NewResponseMessage(id RequestID, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal response payload: %w", err)
	}
	return Message{MessageType: MessageResponse, RequestID: id, Payload: raw}, nil
}

// NewErrorMessage builds a failed response.
func NewErrorMessage(id RequestID, errText string) Message {
	return Message{MessageType: MessageResponse, RequestID: id, Error: errText}
}

// NewPushMessage builds a push for the subscription identified by key.
func NewPushMessage(t MessageType, key Key, topic string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{MessageType: t, SubscribedKey: key, Topic: topic, Payload: raw}, nil
}
