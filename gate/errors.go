package gate

import (
	"errors"
	"fmt"
	"time"
)

// EnhancedCode is an RFC 3463 enhanced status code.
type EnhancedCode [3]int

func (c EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

// Rejection is a permanent refusal of a recipient. The protocol engine
// renders it as "<Code> <EnhancedCode> <Message>".
type Rejection struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	Recipient    string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
}

// Is matches any rejection carrying the same reply and enhanced codes.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	if !ok {
		return false
	}
	return t.Code == r.Code && t.EnhancedCode == r.EnhancedCode
}

// ErrRelayDenied matches rejections of recipients outside every relay domain.
var ErrRelayDenied = &Rejection{
	Code:         550,
	EnhancedCode: EnhancedCode{5, 7, 54},
	Message:      "SMTP; Unable to relay recipient in non-accepted domain",
}

func relayDenied(recipient string) *Rejection {
	r := *ErrRelayDenied
	r.Recipient = recipient
	return &r
}

// ErrSessionInterrupted is matched by every error returned when a hold is
// cut short by cancellation of the session.
var ErrSessionInterrupted = errors.New("session interrupted")

type InterruptedError struct {
	Recipient string
	Hold      time.Duration
	Elapsed   time.Duration
	Cause     error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("hold of %s for %s interrupted after %s: %v", e.Hold, e.Recipient, e.Elapsed.Round(time.Millisecond), e.Cause)
}

func (e *InterruptedError) Unwrap() []error {
	return []error{ErrSessionInterrupted, e.Cause}
}
