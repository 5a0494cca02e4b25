package types

import (
	"context"
	"io"
)

// MessageListener is called by the protocol engine once per proposed
// recipient (Accept) and once per accepted recipient when the message body
// has arrived (Deliver).
//
// A non-nil error from Accept is returned to the client as the reply for
// that RCPT command. Deliver must not retain data after it returns.
type MessageListener interface {
	Accept(ctx context.Context, from, recipient string) (bool, error)
	Deliver(ctx context.Context, from, recipient string, data io.Reader) error
}
