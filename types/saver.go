package types

import (
	"context"
	"io"
)

// Saver persists a received message and raises a notification for it.
// data is only valid for the duration of the call.
type Saver interface {
	SaveEmailAndNotify(ctx context.Context, from, recipient string, data io.Reader) error
}
