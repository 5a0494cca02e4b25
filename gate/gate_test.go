package gate

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivan-stragalis-trasys/FakeSMTP/relay"
)

type savedMail struct {
	from      string
	recipient string
	data      []byte
}

type mockSaver struct {
	mu    sync.Mutex
	mails []savedMail
	err   error
	calls int
}

func (s *mockSaver) SaveEmailAndNotify(_ context.Context, from, recipient string, data io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mails = append(s.mails, savedMail{from, recipient, b})
	return nil
}

type countingProvider struct {
	mu      sync.Mutex
	domains *relay.Domains
	reads   int
}

func (p *countingProvider) RelayDomains() *relay.Domains {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return p.domains
}

func newTestGate(t *testing.T, domains *relay.Domains, options ...OptionFunc) (*Gate, *mockSaver) {
	t.Helper()
	saver := &mockSaver{}
	g, err := NewGate(relay.Static{Domains: domains}, saver, options...)
	require.NoError(t, err)
	return g, saver
}

func TestNewGateRequiresCollaborators(t *testing.T) {
	_, err := NewGate(nil, &mockSaver{})
	assert.Error(t, err)
	_, err = NewGate(relay.Static{}, nil)
	assert.Error(t, err)

	g, err := NewGate(relay.Static{}, &mockSaver{})
	require.NoError(t, err)
	assert.Equal(t, []BlockRule{DefaultBlockRule}, g.BlockRules())
}

func TestAcceptOpenRelay(t *testing.T) {
	g, _ := newTestGate(t, nil)
	ok, err := g.Accept(context.Background(), "a@x.com", "b@anything.test")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestAcceptRelayDomains(t *testing.T) {
	{
		g, _ := newTestGate(t, relay.NewDomains("example.com"))
		ok, err := g.Accept(context.Background(), "a@x.com", "b@example.com")
		assert.NoError(t, err)
		assert.True(t, ok)
	}
	{
		g, _ := newTestGate(t, relay.NewDomains("other.com"))
		ok, err := g.Accept(context.Background(), "a@x.com", "b@example.com")
		assert.False(t, ok)
		var rej *Rejection
		if assert.ErrorAs(t, err, &rej) {
			assert.Equal(t, 550, rej.Code)
			assert.Equal(t, EnhancedCode{5, 7, 54}, rej.EnhancedCode)
			assert.Equal(t, "b@example.com", rej.Recipient)
		}
		assert.ErrorIs(t, err, ErrRelayDenied)
		assert.Equal(t, "550 5.7.54 SMTP; Unable to relay recipient in non-accepted domain", err.Error())
	}
	{
		g, _ := newTestGate(t, relay.NewDomains())
		ok, err := g.Accept(context.Background(), "a@x.com", "b@example.com")
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrRelayDenied)
	}
}

func TestAcceptReadsRelayDomainsEveryCall(t *testing.T) {
	p := &countingProvider{domains: relay.NewDomains("example.com")}
	g, err := NewGate(p, &mockSaver{})
	require.NoError(t, err)

	ok, err := g.Accept(context.Background(), "a@x.com", "b@example.com")
	assert.NoError(t, err)
	assert.True(t, ok)

	p.mu.Lock()
	p.domains = relay.NewDomains("other.com")
	p.mu.Unlock()

	ok, err = g.Accept(context.Background(), "a@x.com", "b@example.com")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrRelayDenied)
	assert.Equal(t, 2, p.reads)
}

func TestAcceptHoldsBlockedRecipient(t *testing.T) {
	const holdFor = 150 * time.Millisecond
	g, _ := newTestGate(t, nil, WithBlockRules(BlockRule{Suffix: "block.test", Hold: holdFor}))

	start := time.Now()
	ok, err := g.Accept(context.Background(), "a@x.com", "b@block.test")
	elapsed := time.Since(start)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, holdFor)
	assert.Less(t, elapsed, holdFor+time.Second)
}

func TestAcceptHoldsBeforeRejecting(t *testing.T) {
	const holdFor = 100 * time.Millisecond
	g, _ := newTestGate(t, relay.NewDomains("example.com"), WithBlockRules(BlockRule{Suffix: "block.test", Hold: holdFor}))

	start := time.Now()
	ok, err := g.Accept(context.Background(), "a@x.com", "b@block.test")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrRelayDenied)
	assert.GreaterOrEqual(t, time.Since(start), holdFor)
}

func TestAcceptHoldDoesNotSerialize(t *testing.T) {
	const holdFor = 500 * time.Millisecond
	g, _ := newTestGate(t, nil, WithBlockRules(BlockRule{Suffix: "block.test", Hold: holdFor}))

	blockedDone := make(chan struct{})
	go func() {
		defer close(blockedDone)
		_, _ = g.Accept(context.Background(), "a@x.com", "slow@block.test")
	}()
	// give the blocked call time to enter its hold
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	ok, err := g.Accept(context.Background(), "a@x.com", "fast@example.com")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), holdFor/2)

	select {
	case <-blockedDone:
		t.Fatal("blocked recipient returned before its hold elapsed")
	default:
	}
	<-blockedDone
}

func TestAcceptHoldInterrupted(t *testing.T) {
	g, _ := newTestGate(t, nil, WithBlockRules(BlockRule{Suffix: "block.test", Hold: time.Minute}))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	ok, err := g.Accept(ctx, "a@x.com", "b@block.test")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, ErrSessionInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRelayDenied)
	var ie *InterruptedError
	if assert.ErrorAs(t, err, &ie) {
		assert.Equal(t, "b@block.test", ie.Recipient)
		assert.Equal(t, time.Minute, ie.Hold)
	}
}

func TestAcceptAlreadyCancelled(t *testing.T) {
	g, _ := newTestGate(t, nil, WithBlockRules(BlockRule{Suffix: "block.test", Hold: 0}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Accept(ctx, "a@x.com", "b@block.test")
	assert.ErrorIs(t, err, ErrSessionInterrupted)

	// recipients that are not held are decided regardless of ctx
	ok, err := g.Accept(ctx, "a@x.com", "b@example.com")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestAcceptWithoutBlockRules(t *testing.T) {
	g, _ := newTestGate(t, nil, WithBlockRules())
	start := time.Now()
	ok, err := g.Accept(context.Background(), "a@x.com", "b@block.com")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeliverRoundTrip(t *testing.T) {
	g, saver := newTestGate(t, nil)
	for _, size := range []int{0, 10, 4096, 5 << 20} {
		data := make([]byte, size)
		_, err := rand.Read(data)
		require.NoError(t, err)
		require.NoError(t, g.Deliver(context.Background(), "a@x.com", "b@example.com", bytes.NewReader(data)))
		last := saver.mails[len(saver.mails)-1]
		assert.Equal(t, "a@x.com", last.from)
		assert.Equal(t, "b@example.com", last.recipient)
		assert.True(t, bytes.Equal(data, last.data), "size %d", size)
	}
	assert.Equal(t, 4, saver.calls)
}

func TestDeliverPropagatesFailure(t *testing.T) {
	g, saver := newTestGate(t, nil)
	failure := errors.New("disk full")
	saver.err = failure

	err := g.Deliver(context.Background(), "a@x.com", "b@example.com", bytes.NewReader([]byte("x")))
	assert.Same(t, failure, err)
	assert.Equal(t, 1, saver.calls)
	assert.Empty(t, saver.mails)
}
