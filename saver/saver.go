// Package saver persists received messages and notifies interested parties.
package saver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid"

	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/logging"
	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/metrics"
	"github.com/ivan-stragalis-trasys/FakeSMTP/types"
)

// Saver implements types.Saver on top of a Store and a list of Notifiers.
type Saver struct {
	store      Store
	notifiers  []Notifier
	logger     *slog.Logger
	verifyDKIM bool
	lookupTXT  func(domain string) ([]string, error)
	now        func() time.Time
}

type OptionFunc func(s *Saver) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Saver) error {
		s.logger = logging.OrDiscard(logger)
		return nil
	}
}

func WithNotifiers(notifiers ...Notifier) OptionFunc {
	return func(s *Saver) error {
		for _, n := range notifiers {
			if n == nil {
				return errors.New("nil notifier")
			}
		}
		s.notifiers = append(s.notifiers, notifiers...)
		return nil
	}
}

// WithDKIMVerification verifies the signatures of every stored message.
// lookupTXT may be nil to use the system resolver.
func WithDKIMVerification(enabled bool, lookupTXT func(domain string) ([]string, error)) OptionFunc {
	return func(s *Saver) error {
		s.verifyDKIM = enabled
		s.lookupTXT = lookupTXT
		return nil
	}
}

func withClock(now func() time.Time) OptionFunc {
	return func(s *Saver) error {
		s.now = now
		return nil
	}
}

func NewSaver(store Store, options ...OptionFunc) (*Saver, error) {
	if store == nil {
		return nil, errors.New("no store")
	}
	s := &Saver{
		store:  store,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func genID(t time.Time) ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader)
}

// SaveEmailAndNotify streams data into the store. Nothing is notified unless
// the whole message was stored; a failed message leaves nothing behind.
// Notifier failures are logged and do not fail the delivery.
func (s *Saver) SaveEmailAndNotify(ctx context.Context, from, recipient string, data io.Reader) error {
	receivedAt := s.now()
	id := genID(receivedAt).String()
	logger := s.logger.With(slog.String("id", id), slog.String("from", from), slog.String("to", recipient))

	sink, err := s.store.Create(id)
	if err != nil {
		return fmt.Errorf("failed to create message %s: %w", id, err)
	}
	sniffer := &headerSniffer{limit: headerSniffLimit}
	n, err := io.Copy(io.MultiWriter(sink, sniffer), data)
	if err != nil {
		if aerr := sink.Abort(); aerr != nil {
			logger.WarnContext(ctx, "failed to discard partial message", slog.Any("error", aerr))
		}
		return fmt.Errorf("failed to save message %s: %w", id, err)
	}
	path, err := sink.Commit()
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", id, err)
	}

	m := &Message{
		ID:         id,
		From:       from,
		Recipient:  recipient,
		Subject:    sniffer.subject(),
		Size:       n,
		ReceivedAt: receivedAt,
		Path:       path,
	}
	if s.verifyDKIM && path != "" {
		results, err := s.checkDKIM(path)
		if err != nil {
			logger.WarnContext(ctx, "failed to verify DKIM signatures", slog.Any("error", err))
		} else {
			m.DKIM = results
		}
	}
	s.notify(ctx, logger, m)
	return nil
}

func (s *Saver) notify(ctx context.Context, logger *slog.Logger, m *Message) {
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, m); err != nil {
			metrics.NotifyErrors.WithLabelValues(n.Name()).Inc()
			logger.WarnContext(ctx, "failed to notify", slog.String("notifier", n.Name()), slog.Any("error", err))
		}
	}
}

var _ types.Saver = (*Saver)(nil)
