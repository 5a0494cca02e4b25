package saver

import (
	"context"
	"log/slog"
	"time"

	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/logging"
)

// Message describes a message that has been saved.
type Message struct {
	ID         string
	From       string
	Recipient  string
	Subject    string
	Size       int64
	ReceivedAt time.Time
	// Path is empty when the store keeps nothing.
	Path string
	// DKIM holds one entry per signature when verification is enabled.
	DKIM []string
}

// Notifier is told about every saved message exactly once.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, m *Message) error
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrDiscard(logger)}
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Notify(ctx context.Context, m *Message) error {
	attrs := []any{
		slog.String("id", m.ID),
		slog.String("from", m.From),
		slog.String("to", m.Recipient),
		slog.String("subject", m.Subject),
		slog.Int64("size", m.Size),
	}
	if m.Path != "" {
		attrs = append(attrs, slog.String("path", m.Path))
	}
	if m.DKIM != nil {
		attrs = append(attrs, slog.Any("dkim", m.DKIM))
	}
	n.logger.InfoContext(ctx, "email received", attrs...)
	return nil
}
