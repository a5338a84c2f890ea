// Package endpoint defines the channel abstraction the dispatcher relays
// payloads through. The connection layer owns endpoints; the dispatcher only
// borrows them for the duration of an on-duty stint or a single job.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned when the underlying connection is gone.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is one logical connection: an inbound message source and an
// outbound message sink. Both calls may block until the peer acts or ctx is
// cancelled.
type Endpoint interface {
	Receive(ctx context.Context) (json.RawMessage, error)
	Send(ctx context.Context, payload json.RawMessage) error
}

// Failer is implemented by endpoints whose transport can carry a failure
// response in place of a payload.
type Failer interface {
	Fail(ctx context.Context, reason string) error
}

// RemoteError is returned by Receive when the peer sent a failure instead of
// a payload.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote failure: %s", e.Reason)
}

// FailIfSupported reports reason to ep when it implements Failer.
// It returns false when the endpoint cannot carry failures.
func FailIfSupported(ctx context.Context, ep Endpoint, reason string) (bool, error) {
	f, ok := ep.(Failer)
	if !ok {
		return false, nil
	}
	return true, f.Fail(ctx, reason)
}
