package fakesmtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-smtp"

	"github.com/ivan-stragalis-trasys/FakeSMTP/gate"
	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/spool"
)

type backend struct {
	server      *Server
	ctx         context.Context
	implicitTLS bool
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ctx, cancel := context.WithCancel(b.ctx)
	origin := c.Conn().RemoteAddr()
	return &session{
		server: b.server,
		conn:   c,
		ctx:    ctx,
		cancel: cancel,
		origin: origin,
		logger: b.server.logger.With(slog.String("origin", origin.String()), slog.Bool("implicit_tls", b.implicitTLS)),
	}, nil
}

// session carries one SMTP connection. Its context ends on logout or when
// the server shuts down. A RCPT in progress is also cancelled when the
// client drops the connection, which interrupts any hold.
type session struct {
	server *Server
	conn   *smtp.Conn
	ctx    context.Context
	cancel context.CancelFunc
	origin net.Addr
	logger *slog.Logger
	from   string
	rcpts  []string
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	s.cancel()
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.Reset()
	s.from = from
	if s.server.checkSPF {
		s.evaluateSPF(from)
	}
	return nil
}

func (s *session) evaluateSPF(from string) {
	logger := s.logger.With(slog.String("from", from))
	result, err := spf.CheckHostWithSender(
		ipPart(s.origin),
		s.conn.Hostname(),
		from,
		spf.WithResolver(s.server.resolver),
		spf.WithContext(s.ctx),
		spf.WithTraceFunc(func(f string, args ...interface{}) {
			logger.Debug("spf trace", slog.String("text", fmt.Sprintf(f, args...)))
		}),
	)
	if err != nil {
		switch err {
		case spf.ErrMatchedAll, spf.ErrMatchedA, spf.ErrMatchedIP, spf.ErrMatchedMX, spf.ErrMatchedPTR, spf.ErrMatchedExists:
		default:
			logger.Warn("error occurred during verifying SPF record", slog.Any("error", err))
		}
	}
	logger.Info("spf result", slog.String("result", string(result)))
}

func ipPart(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	default:
		return nil
	}
}

// Rcpt asks the listener about the recipient. A *gate.Rejection becomes the
// matching SMTP reply; any other error is passed to go-smtp untouched.
func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := watchDisconnect(s.conn.Conn(), cancel)
	ok, err := s.server.listener.Accept(ctx, s.from, to)
	stop()
	if err != nil {
		var rej *gate.Rejection
		if errors.As(err, &rej) {
			return &smtp.SMTPError{
				Code:         rej.Code,
				EnhancedCode: smtp.EnhancedCode(rej.EnhancedCode),
				Message:      rej.Message,
			}
		}
		return err
	}
	if !ok {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Recipient rejected",
		}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data delivers the body once per accepted recipient. A single recipient
// gets the connection's reader directly; several recipients share a spooled
// copy so the client only sends the body once. A failed recipient does not
// stop delivery to the others, but SMTP has a single reply for DATA, so a
// client retrying after the error saves the message again for recipients
// that already got it.
func (s *session) Data(r io.Reader) error {
	switch len(s.rcpts) {
	case 0:
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	case 1:
		return s.server.listener.Deliver(s.ctx, s.from, s.rcpts[0], r)
	}

	sp := spool.New(s.server.spoolThreshold, s.server.spoolDir)
	defer func() {
		if err := sp.Close(); err != nil {
			s.logger.Warn("failed to remove spool", slog.Any("error", err))
		}
	}()
	if _, err := io.Copy(sp, r); err != nil {
		return fmt.Errorf("failed to spool message: %w", err)
	}
	failed := 0
	for _, rcpt := range s.rcpts {
		body, err := sp.Reader()
		if err != nil {
			return err
		}
		if err := s.server.listener.Deliver(s.ctx, s.from, rcpt, body); err != nil {
			s.logger.Warn("delivery failed", slog.String("to", rcpt), slog.Any("error", err))
			failed++
		}
	}
	if failed > 0 {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      fmt.Sprintf("Delivery failed for %d of %d recipients", failed, len(s.rcpts)),
		}
	}
	return nil
}
