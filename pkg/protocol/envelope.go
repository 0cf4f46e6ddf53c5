// pkg/protocol/envelope.go
package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// RequestID correlates one outgoing call with its response. Zero is never
// assigned.
type RequestID uint64

// IDSequence hands out monotonically increasing request IDs.
type IDSequence struct {
	last atomic.Uint64
}

// Next returns a fresh request ID.
func (s *IDSequence) Next() RequestID {
	return RequestID(s.last.Add(1))
}

// Request is one call with its ordered arguments.
type Request struct {
	Call Call     `json:"call" msgpack:"call"`
	Args []string `json:"args" msgpack:"args"`
}

// NewRequest builds a Request. A nil argument list is sent as an empty array.
func NewRequest(call Call, args ...string) Request {
	if args == nil {
		args = []string{}
	}
	return Request{Call: call, Args: args}
}

// PackedRequest is the outgoing frame.
type PackedRequest struct {
	RequestID RequestID `json:"requestID" msgpack:"requestID"`
	Request   Request   `json:"request" msgpack:"request"`
}

// MessageType tags incoming frames.
type MessageType int

const (
	MessageResponse MessageType = iota
	MessageComponentList
	MessageDepsGraph
	MessageComponentChange
	MessageComponentLogs
	MessageLogList
	MessagePubSub
)

func (t MessageType) String() string {
	switch t {
	case MessageResponse:
		return "RESPONSE"
	case MessageComponentList:
		return "COMPONENT_LIST"
	case MessageDepsGraph:
		return "DEPS_GRAPH"
	case MessageComponentChange:
		return "COMPONENT_CHANGE"
	case MessageComponentLogs:
		return "COMPONENT_LOGS"
	case MessageLogList:
		return "LOG_LIST"
	case MessagePubSub:
		return "PUB_SUB_MSG"
	}
	return "UNKNOWN"
}

// UnmarshalJSON accepts both the numeric form and the enum name
// ("COMPONENT_LIST"), which some daemon builds emit.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*t = MessageType(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("messageType: %w", err)
	}
	for candidate := MessageResponse; candidate <= MessagePubSub; candidate++ {
		if candidate.String() == name {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("messageType: unknown name %q", name)
}

// Message is the incoming frame as it appears on the wire. A response carries
// RequestID and either Payload or Error; a push carries SubscribedKey, Topic and
// Payload.
type Message struct {
	MessageType   MessageType     `json:"messageType" msgpack:"messageType"`
	RequestID     RequestID       `json:"requestID,omitempty" msgpack:"requestID,omitempty"`
	SubscribedKey Key             `json:"subscribedKey,omitempty" msgpack:"subscribedKey,omitempty"`
	Topic         string          `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Error         string          `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Response answers exactly one request.
type Response struct {
	RequestID RequestID
	Payload   json.RawMessage
	Error     string
}

// Failed reports whether the daemon rejected the call.
func (r *Response) Failed() bool { return r.Error != "" }

// Push is an unsolicited message for a live subscription.
type Push struct {
	Key     Key
	Type    MessageType
	Topic   string
	Payload json.RawMessage
}

// Text returns the payload as text: JSON strings are unquoted, anything else
// is returned verbatim.
func (p Push) Text() string {
	var s string
	if err := json.Unmarshal(p.Payload, &s); err == nil {
		return s
	}
	return string(p.Payload)
}

// Decode unmarshals the payload into v.
func (p Push) Decode(v any) error {
	if len(p.Payload) == 0 || string(p.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(p.Payload, v)
}

// Envelope is a decoded incoming frame: exactly one of Response or Push is set.
type Envelope struct {
	Response *Response
	Push     *Push
}

// CommunicationMessage is the payload of legacy pub/sub pushes, which carry the
// subscribed filter inside the payload instead of a subscription key.
type CommunicationMessage struct {
	SubscribedTopic string `json:"subscribedTopic"`
	Topic           string `json:"topic"`
	Payload         string `json:"payload"`
}
