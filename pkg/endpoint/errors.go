// pkg/endpoint/errors.go
package endpoint

import (
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

var (
	// ErrNotConnected is returned to calls made while the endpoint is
	// disconnected or closed and no connection attempt is in progress.
	ErrNotConnected = errors.New("endpoint: not connected")
	// ErrAuthentication is matched by every *AuthenticationError.
	ErrAuthentication = errors.New("endpoint: authentication failed")
	// ErrConnectionLost rejects calls that were in flight when the socket failed.
	ErrConnectionLost = errors.New("endpoint: connection lost")
	// ErrRetryBudgetExhausted is terminal: the endpoint stays closed.
	ErrRetryBudgetExhausted = errors.New("endpoint: reconnect attempts exhausted")
	// ErrRequestTimeout rejects a call the daemon did not answer in time.
	ErrRequestTimeout = errors.New("endpoint: request timed out")
	// ErrDuplicateRequestID signals a request ID registered twice.
	ErrDuplicateRequestID = errors.New("endpoint: duplicate request id")
	// ErrUnknownCall rejects calls outside the call enumeration.
	ErrUnknownCall = errors.New("endpoint: unknown call")
	// ErrInternalCall rejects consumer use of bookkeeping calls.
	ErrInternalCall = errors.New("endpoint: call is reserved for the endpoint")
	// ErrNotSubscriptionCall rejects a one-shot call passed to SendSubscriptionMessage.
	ErrNotSubscriptionCall = errors.New("endpoint: call does not establish a subscription")
	// ErrSubscriptionCall rejects subscribe and unsubscribe calls passed to
	// SendRequest; subscriptions are owned by the registry.
	ErrSubscriptionCall = errors.New("endpoint: subscription calls must go through SendSubscriptionMessage")
	// ErrMalformedFrame is re-exported for callers that only import endpoint.
	ErrMalformedFrame = protocol.ErrMalformedFrame
)

// AuthenticationError carries the daemon's reason for rejecting the handshake.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "endpoint: authentication failed: " + e.Reason
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// ServerError is the daemon's error text for one call.
type ServerError struct {
	Call      protocol.Call
	RequestID protocol.RequestID
	Message   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("endpoint: %s (request %d) failed: %s", e.Call, e.RequestID, e.Message)
}
