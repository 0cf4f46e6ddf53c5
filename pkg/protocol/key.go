// pkg/protocol/key.go
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Key identifies one upstream subscription. It is derived only from the
// subscribe call and its arguments, so re-subscribing after a reconnect
// reproduces the same key.
type Key string

// KeyOf derives the subscription key for req, e.g.
// subscribeToPubSubTopic("telemetry/#").
func KeyOf(req Request) Key {
	var b strings.Builder
	b.WriteString(string(req.Call))
	b.WriteByte('(')
	for i, arg := range req.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(arg))
	}
	b.WriteByte(')')
	return Key(b.String())
}

// legacyKey routes a push that arrived without a subscription key, using the
// message type (and, where needed, the payload) the daemon historically sent.
// It may rewrite the push's topic and payload for pub/sub messages.
func legacyKey(msg *Message) (Key, bool) {
	switch msg.MessageType {
	case MessageComponentList:
		return KeyOf(NewRequest(CallSubscribeToComponentList)), true
	case MessageDepsGraph:
		return KeyOf(NewRequest(CallSubscribeToDependencyGraph)), true
	case MessageLogList:
		return KeyOf(NewRequest(CallSubscribeToLogList)), true
	case MessageComponentChange, MessageComponentLogs:
		var named struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(msg.Payload, &named); err != nil || named.Name == "" {
			return "", false
		}
		call := CallSubscribeToComponent
		if msg.MessageType == MessageComponentLogs {
			call = CallSubscribeToComponentLogs
		}
		return KeyOf(NewRequest(call, named.Name)), true
	case MessagePubSub:
		var cm CommunicationMessage
		if err := json.Unmarshal(msg.Payload, &cm); err != nil || cm.SubscribedTopic == "" {
			return "", false
		}
		msg.Topic = cm.Topic
		payload, err := json.Marshal(cm.Payload)
		if err != nil {
			return "", false
		}
		msg.Payload = payload
		return KeyOf(NewRequest(CallSubscribeToPubSubTopic, cm.SubscribedTopic)), true
	}
	return "", false
}
