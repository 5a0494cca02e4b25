package fakesmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-smtp"
	"golang.org/x/sync/errgroup"

	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/logging"
	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/spool"
	"github.com/ivan-stragalis-trasys/FakeSMTP/types"
)

const appName = "fakesmtp"

type serverListenerPair struct {
	s         *smtp.Server
	readyChan chan *serverListenerPair
	l         net.Listener
}

func (pair *serverListenerPair) Valid() bool {
	return pair.s != nil
}

func (pair *serverListenerPair) Ready() <-chan *serverListenerPair {
	return pair.readyChan
}

func (pair *serverListenerPair) setListener(l net.Listener) {
	pair.l = l
	pair.readyChan <- pair
}

func newServerListenerPair(s *smtp.Server) serverListenerPair {
	return serverListenerPair{s: s, readyChan: make(chan *serverListenerPair, 1)}
}

// Server drives the SMTP dialog with github.com/emersion/go-smtp and hands
// every RCPT and every received body to a types.MessageListener.
type Server struct {
	addr            string
	implicitAddr    string
	hostname        string
	tlsConfig       *tls.Config
	resolver        spf.DNSResolver
	checkSPF        bool
	maxMessageBytes int64
	maxRecipients   int
	readTimeout     time.Duration
	writeTimeout    time.Duration
	spoolThreshold  int64
	spoolDir        string
	logger          *slog.Logger
	listener        types.MessageListener
	server          serverListenerPair
	serverImplicit  serverListenerPair
	shutdownCtx     context.Context
	cancelSessions  context.CancelFunc
	readyChan       chan struct{}
}

type OptionFunc func(s *Server) error

func WithHostname(hostname string) OptionFunc {
	return func(s *Server) error {
		s.hostname = hostname
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) OptionFunc {
	return func(s *Server) error {
		s.tlsConfig = tlsConfig
		return nil
	}
}

func WithResolver(r spf.DNSResolver) OptionFunc {
	return func(s *Server) error {
		s.resolver = r
		return nil
	}
}

// WithSPFCheck evaluates the sender's SPF record on MAIL FROM. The result is
// only logged; mail is never refused because of it.
func WithSPFCheck(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.checkSPF = enabled
		return nil
	}
}

func WithMaxMessageBytes(n int64) OptionFunc {
	return func(s *Server) error {
		s.maxMessageBytes = n
		return nil
	}
}

func WithMaxRecipients(n int) OptionFunc {
	return func(s *Server) error {
		s.maxRecipients = n
		return nil
	}
}

func WithTimeouts(read, write time.Duration) OptionFunc {
	return func(s *Server) error {
		s.readTimeout = read
		s.writeTimeout = write
		return nil
	}
}

// WithSpool sets how a body shared by several recipients is kept: up to
// threshold bytes in memory, the rest in a temporary file under dir.
func WithSpool(threshold int64, dir string) OptionFunc {
	return func(s *Server) error {
		s.spoolThreshold = threshold
		s.spoolDir = dir
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Server) error {
		s.logger = logging.OrDiscard(logger)
		return nil
	}
}

func (s *Server) newSMTPServerProto(addr string) *smtp.Server {
	srv := smtp.NewServer(nil)
	srv.Addr = addr
	srv.Domain = s.hostname
	srv.TLSConfig = s.tlsConfig
	srv.MaxMessageBytes = s.maxMessageBytes
	srv.MaxRecipients = s.maxRecipients
	srv.ReadTimeout = s.readTimeout
	srv.WriteTimeout = s.writeTimeout
	srv.ErrorLog = slogErrorLogger{s.logger}
	return srv
}

// NewServer creates a server listening on bind and, when bindImplicitTLS is
// not empty, on bindImplicitTLS with implicit TLS.
func NewServer(bind, bindImplicitTLS string, listener types.MessageListener, options ...OptionFunc) (*Server, error) {
	if listener == nil {
		return nil, errors.New("no message listener")
	}
	s := &Server{
		addr:            bind,
		implicitAddr:    bindImplicitTLS,
		hostname:        "",
		resolver:        &net.Resolver{},
		maxMessageBytes: 0,
		readTimeout:     5 * time.Minute,
		writeTimeout:    5 * time.Minute,
		spoolThreshold:  spool.DefaultThreshold,
		logger:          logging.Discard(),
		listener:        listener,
		readyChan:       make(chan struct{}),
	}
	s.shutdownCtx, s.cancelSessions = context.WithCancel(context.Background())
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	if s.hostname == "" {
		s.hostname, _ = os.Hostname()
	}
	if s.hostname == "" {
		s.hostname = appName
	}
	if s.implicitAddr != "" && s.tlsConfig == nil {
		return nil, errors.New("implicit TLS listener requires a TLS configuration")
	}
	s.server = newServerListenerPair(s.newSMTPServerProto(s.addr))
	if s.implicitAddr != "" {
		s.serverImplicit = newServerListenerPair(s.newSMTPServerProto(s.implicitAddr))
	}
	return s, nil
}

// Addr returns the address of the plain listener once Ready is closed.
func (s *Server) Addr() net.Addr {
	if s.server.l == nil {
		return nil
	}
	return s.server.l.Addr()
}

// ImplicitTLSAddr returns the address of the implicit TLS listener once
// Ready is closed, or nil when there is none.
func (s *Server) ImplicitTLSAddr() net.Addr {
	if !s.serverImplicit.Valid() || s.serverImplicit.l == nil {
		return nil
	}
	return s.serverImplicit.l.Addr()
}

// Shutdown stops accepting connections, interrupts held recipients and waits
// for open sessions to end or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelSessions()
	eg, innerCtx := errgroup.WithContext(ctx)
	if s.server.Valid() && s.server.l != nil {
		eg.Go(func() error { return ignoreClosed(s.server.s.Shutdown(innerCtx)) })
	}
	if s.serverImplicit.Valid() && s.serverImplicit.l != nil {
		eg.Go(func() error { return ignoreClosed(s.serverImplicit.s.Shutdown(innerCtx)) })
	}
	return eg.Wait()
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

type listenerWithContext struct {
	net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *listenerWithContext) Context() context.Context {
	return l.ctx
}

func (l *listenerWithContext) Close() error {
	err := l.Listener.Close()
	l.cancel()
	return err
}

func (l *listenerWithContext) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			l.cancel()
		}
	}
	return conn, err
}

func wrapListener(ctx context.Context, ln net.Listener) *listenerWithContext {
	ctx, cancel := context.WithCancel(ctx)
	inner := &listenerWithContext{
		Listener: ln,
		ctx:      ctx,
		cancel:   cancel,
	}
	go func() {
		<-ctx.Done()
		inner.Close()
	}()
	return inner
}

func (s *Server) listenAndServe(
	ctx context.Context,
	sessionCtx context.Context,
	slp *serverListenerPair,
	implicitTLS bool,
) error {
	ln, err := net.Listen("tcp", slp.s.Addr)
	if err != nil {
		return err
	}
	ln = wrapListener(ctx, ln)
	if implicitTLS {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	slp.s.Backend = &backend{server: s, ctx: sessionCtx, implicitTLS: implicitTLS}
	slp.setListener(ln)
	return slp.s.Serve(ln)
}

func (s *Server) Ready() <-chan struct{} {
	return s.readyChan
}

// Serve listens and serves until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	sessionCtx, cancelSessions := context.WithCancel(innerCtx)
	defer cancelSessions()
	stop := context.AfterFunc(s.shutdownCtx, cancelSessions)
	defer stop()

	readyChans := make([]<-chan *serverListenerPair, 0, 2)
	serve := func(slp *serverListenerPair, implicitTLS bool) {
		eg.Go(func() error {
			return ignoreClosed(s.listenAndServe(innerCtx, sessionCtx, slp, implicitTLS))
		})
		readyChans = append(readyChans, slp.Ready())
	}
	if s.server.Valid() {
		serve(&s.server, false)
	}
	if s.serverImplicit.Valid() {
		serve(&s.serverImplicit, true)
	}
	readyServers := make([]*serverListenerPair, 0, 2)
outer:
	for _, readyChan := range readyChans {
		select {
		case <-innerCtx.Done():
			for _, slp := range readyServers {
				err := slp.l.Close()
				if err != nil {
					s.logger.Warn("failed to close listener", slog.Any("error", err))
				}
				err = slp.s.Close()
				if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
					s.logger.Warn("failed to close server", slog.Any("error", err))
				}
			}
			break outer
		case slp := <-readyChan:
			s.logger.Info("listening", slog.String("addr", slp.l.Addr().String()))
			readyServers = append(readyServers, slp)
		}
	}
	close(s.readyChan)
	return eg.Wait()
}

type slogErrorLogger struct {
	logger *slog.Logger
}

func (l slogErrorLogger) Printf(format string, v ...interface{}) {
	l.logger.Warn("smtp server", slog.String("text", fmt.Sprintf(format, v...)))
}

func (l slogErrorLogger) Println(v ...interface{}) {
	l.logger.Warn("smtp server", slog.String("text", strings.TrimSuffix(fmt.Sprintln(v...), "\n")))
}
