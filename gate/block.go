package gate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BlockRule holds recipients ending with Suffix for Hold before any relay
// decision is made. It simulates a slow or unresponsive exchange.
type BlockRule struct {
	Suffix string
	Hold   time.Duration
}

var DefaultBlockRule = BlockRule{Suffix: "block.com", Hold: 60 * time.Second}

// Matches uses the same raw suffix test as relay domains.
func (r BlockRule) Matches(recipient string) bool {
	return r.Suffix != "" && strings.HasSuffix(recipient, r.Suffix)
}

func (r BlockRule) String() string {
	return r.Suffix + "=" + r.Hold.String()
}

// ParseBlockRule parses "suffix=duration", e.g. "block.com=60s".
func ParseBlockRule(s string) (BlockRule, error) {
	suffix, hold, ok := strings.Cut(s, "=")
	if !ok || suffix == "" {
		return BlockRule{}, fmt.Errorf("invalid block rule %q: expected suffix=duration", s)
	}
	d, err := time.ParseDuration(hold)
	if err != nil {
		return BlockRule{}, fmt.Errorf("invalid block rule %q: %w", s, err)
	}
	if d < 0 {
		return BlockRule{}, fmt.Errorf("invalid block rule %q: negative hold", s)
	}
	return BlockRule{Suffix: suffix, Hold: d}, nil
}

// hold waits for d or until ctx is done, whichever comes first.
func hold(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
