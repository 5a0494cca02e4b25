//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package fakesmtp

import (
	"context"
	"net"
)

// watchDisconnect is a no-op here; only logout and shutdown end a hold.
func watchDisconnect(net.Conn, context.CancelFunc) (stop func()) {
	return func() {}
}
