// pkg/endpoint/call.go
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// Call performs a request and decodes the response payload into T.
//
// Example:
//
//	details, err := endpoint.Call[protocol.ComponentDetails](ctx, ep, protocol.CallGetComponent, "main")
func Call[T any](ctx context.Context, e *Endpoint, call protocol.Call, args ...string) (T, error) {
	var zero T
	payload, err := e.SendRequest(ctx, protocol.NewRequest(call, args...))
	if err != nil {
		return zero, err
	}
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return zero, fmt.Errorf("%s: decode %T: %w", call, v, err)
	}
	return v, nil
}
