// Package gate decides, recipient by recipient, whether a message is
// accepted, and hands accepted messages over to the mail saver.
package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/logging"
	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/metrics"
	"github.com/ivan-stragalis-trasys/FakeSMTP/relay"
	"github.com/ivan-stragalis-trasys/FakeSMTP/types"
)

// Gate implements types.MessageListener. It keeps no per-session state and
// is safe for concurrent use.
type Gate struct {
	relayDomains types.RelayDomainProvider
	saver        types.Saver
	blockRules   []BlockRule
	logger       *slog.Logger
}

type OptionFunc func(g *Gate) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(g *Gate) error {
		g.logger = logging.OrDiscard(logger)
		return nil
	}
}

// WithBlockRules replaces the default block rule. The first matching rule
// wins. Passing no rules disables holding altogether.
func WithBlockRules(rules ...BlockRule) OptionFunc {
	return func(g *Gate) error {
		g.blockRules = slices.Clone(rules)
		return nil
	}
}

func NewGate(relayDomains types.RelayDomainProvider, saver types.Saver, options ...OptionFunc) (*Gate, error) {
	if relayDomains == nil {
		return nil, errors.New("no relay domain provider")
	}
	if saver == nil {
		return nil, errors.New("no saver")
	}
	g := &Gate{
		relayDomains: relayDomains,
		saver:        saver,
		blockRules:   []BlockRule{DefaultBlockRule},
		logger:       logging.Discard(),
	}
	for _, option := range options {
		if err := option(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gate) BlockRules() []BlockRule {
	return slices.Clone(g.blockRules)
}

func (g *Gate) blockRuleFor(recipient string) (BlockRule, bool) {
	for _, rule := range g.blockRules {
		if rule.Matches(recipient) {
			return rule, true
		}
	}
	return BlockRule{}, false
}

// Accept is called once per RCPT TO. Recipients matching a block rule are
// held first; the relay decision is taken afterwards against the relay
// domains in effect at that moment, so a blocked recipient outside the relay
// domains is held and then rejected.
//
// A rejected recipient yields false and a *Rejection. A hold cut short by
// ctx yields false and an *InterruptedError.
func (g *Gate) Accept(ctx context.Context, from, recipient string) (bool, error) {
	logger := g.logger.With(slog.String("from", from), slog.String("to", recipient))
	if rule, ok := g.blockRuleFor(recipient); ok {
		logger.InfoContext(ctx, "holding recipient", slog.String("rule", rule.Suffix), slog.Duration("hold", rule.Hold))
		start := time.Now()
		err := hold(ctx, rule.Hold)
		elapsed := time.Since(start)
		metrics.HoldSeconds.Observe(elapsed.Seconds())
		if err != nil {
			metrics.Recipients.WithLabelValues(metrics.ResultInterrupted).Inc()
			logger.WarnContext(ctx, "hold interrupted", slog.Duration("elapsed", elapsed), slog.Any("error", err))
			return false, &InterruptedError{
				Recipient: recipient,
				Hold:      rule.Hold,
				Elapsed:   elapsed,
				Cause:     err,
			}
		}
	}
	domains := g.relayDomains.RelayDomains()
	if !relay.IsRelayed(recipient, domains) {
		metrics.Recipients.WithLabelValues(metrics.ResultRejected).Inc()
		logger.DebugContext(ctx, "destination doesn't match relay domains", slog.String("relay_domains", domains.String()))
		return false, relayDenied(recipient)
	}
	metrics.Recipients.WithLabelValues(metrics.ResultAccepted).Inc()
	logger.DebugContext(ctx, "recipient accepted")
	return true, nil
}

// Deliver hands data to the saver untouched. Errors from the saver are
// returned as is.
func (g *Gate) Deliver(ctx context.Context, from, recipient string, data io.Reader) error {
	err := g.saver.SaveEmailAndNotify(ctx, from, recipient, data)
	if err != nil {
		metrics.Deliveries.WithLabelValues(metrics.ResultError).Inc()
		g.logger.ErrorContext(ctx, "failed to deliver mail", slog.String("from", from), slog.String("to", recipient), slog.Any("error", err))
		return err
	}
	metrics.Deliveries.WithLabelValues(metrics.ResultSaved).Inc()
	return nil
}

var _ types.MessageListener = (*Gate)(nil)
