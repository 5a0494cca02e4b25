package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	fakesmtp "github.com/ivan-stragalis-trasys/FakeSMTP"
	"github.com/ivan-stragalis-trasys/FakeSMTP/gate"
	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/logging"
	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/metrics"
	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/spool"
	"github.com/ivan-stragalis-trasys/FakeSMTP/relay"
	"github.com/ivan-stragalis-trasys/FakeSMTP/saver"
)

func loadServerCertificate(certFile string, keyFile string, passphrase string) (*tls.Config, error) {
	var certPEMBlock, keyPEMBlock *pem.Block

	b, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE" && certPEMBlock == nil:
			certPEMBlock = block
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			keyPEMBlock = block
		}
	}
	if certPEMBlock == nil {
		return nil, fmt.Errorf("no certificate found in %s", certFile)
	}
	if keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		keyPEMBlock, _ = pem.Decode(b)
		if keyPEMBlock == nil || !strings.HasSuffix(keyPEMBlock.Type, "PRIVATE KEY") {
			return nil, fmt.Errorf("no private key found in %s", keyFile)
		}
	} else if keyPEMBlock == nil {
		return nil, fmt.Errorf("no key found in %s and no key file is specified", certFile)
	}

	if passphrase != "" {
		//nolint:staticcheck
		b, err := x509.DecryptPEMBlock(keyPEMBlock, []byte(passphrase))
		if err != nil {
			return nil, err
		}
		keyPEMBlock = &pem.Block{Type: keyPEMBlock.Type, Bytes: b}
	}
	cert, err := tls.X509KeyPair(pem.EncodeToMemory(certPEMBlock), pem.EncodeToMemory(keyPEMBlock))
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}

type CLI struct {
	Bind             string        `name:"bind" help:"Address and port to listen on." env:"FAKESMTP_BIND" default:"[::0]:2525"`
	BindImplicitTLS  string        `name:"bind-implicit-tls" help:"Address and port to listen on, for implicit TLS. Requires --certificate." env:"FAKESMTP_BIND_IMPLICIT_TLS" optional:""`
	Certificate      string        `name:"certificate" help:"Path to the certificate file. Enables STARTTLS." env:"FAKESMTP_CERTIFICATE" optional:""`
	PrivateKey       string        `name:"private-key" help:"Path to the private key file." env:"FAKESMTP_PRIVATE_KEY" optional:""`
	Passphrase       string        `name:"passphrase" help:"Passphrase for the private key file." env:"FAKESMTP_PASSPHRASE" optional:""`
	Hostname         string        `name:"hostname" help:"Host name to be used in the SMTP banner." env:"FAKESMTP_HOSTNAME" optional:""`
	OutputDir        string        `name:"output-dir" short:"o" help:"Directory received emails are saved to." env:"FAKESMTP_OUTPUT_DIR" default:"received-emails"`
	MemoryMode       bool          `name:"memory-mode" short:"m" help:"Do not save emails to disk." env:"FAKESMTP_MEMORY_MODE" default:"false"`
	RelayDomains     []string      `name:"relay-domains" short:"r" help:"Only accept recipients ending with one of these suffixes. Overrides --relay-domains-file." env:"FAKESMTP_RELAY_DOMAINS" sep:","`
	RelayDomainsFile string        `name:"relay-domains-file" help:"YAML file with a relayDomains list, reloaded on SIGHUP." env:"FAKESMTP_RELAY_DOMAINS_FILE" optional:""`
	Block            []string      `name:"block" help:"Hold recipients ending with a suffix before answering, as suffix=duration." env:"FAKESMTP_BLOCK" default:"block.com=60s" sep:","`
	NoBlock          bool          `name:"no-block" help:"Never hold recipients." env:"FAKESMTP_NO_BLOCK" default:"false"`
	MaxMessageBytes  int64         `name:"max-message-bytes" help:"Maximum accepted message size, 0 for no limit." env:"FAKESMTP_MAX_MESSAGE_BYTES" default:"0"`
	MaxRecipients    int           `name:"max-recipients" help:"Maximum recipients per message, 0 for no limit." env:"FAKESMTP_MAX_RECIPIENTS" default:"0"`
	SpoolThreshold   int64         `name:"spool-threshold" help:"Bytes of a multi-recipient message kept in memory before spilling to disk." env:"FAKESMTP_SPOOL_THRESHOLD" default:"${spool_threshold}"`
	Timeout          time.Duration `name:"timeout" help:"Read and write timeout of SMTP connections." env:"FAKESMTP_TIMEOUT" default:"5m"`
	VerifyDKIM       bool          `name:"verify-dkim" help:"Verify DKIM signatures of saved emails." env:"FAKESMTP_VERIFY_DKIM" default:"false"`
	CheckSPF         bool          `name:"check-spf" help:"Log the SPF result of every sender." env:"FAKESMTP_CHECK_SPF" default:"false"`
	Nameservers      []string      `name:"nameservers" help:"DNS servers to use for SPF and DKIM lookups." env:"FAKESMTP_NAMESERVERS"`
	JournalDriver    string        `name:"journal-driver" help:"Record received emails in a database." env:"FAKESMTP_JOURNAL_DRIVER" default:"none" enum:"none,sqlite,mysql"`
	JournalDSN       string        `name:"journal-dsn" help:"Data source name of the journal database." env:"FAKESMTP_JOURNAL_DSN" optional:""`
	SlackToken       string        `name:"slack-token" help:"Slack token used to post a line per received email." env:"FAKESMTP_SLACK_TOKEN" optional:""`
	SlackChannel     string        `name:"slack-channel" help:"Slack channel to post to." env:"FAKESMTP_SLACK_CHANNEL" optional:""`
	MetricsBind      string        `name:"metrics-bind" help:"Address to serve Prometheus metrics on." env:"FAKESMTP_METRICS_BIND" optional:""`
	LogLevel         slog.Level    `name:"log-level" help:"Log level." env:"FAKESMTP_LOG_LEVEL" default:"INFO" enum:"DEBUG,INFO,WARN,ERROR"`
}

func (CLI *CLI) initLogger(*kong.Context) *slog.Logger {
	return slog.New(logging.NewHandler(CLI.LogLevel))
}

func (CLI *CLI) initResolver(kongCtx *kong.Context, logger *slog.Logger) *net.Resolver {
	if len(CLI.Nameservers) == 0 {
		return &net.Resolver{}
	}
	servers := make([]string, len(CLI.Nameservers))
	for i, server := range CLI.Nameservers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			host, port, err := net.SplitHostPort(server + ":53")
			if err != nil {
				kongCtx.FatalIfErrorf(fmt.Errorf("invalid DNS server address: %s", server))
			}
			server = net.JoinHostPort(host, port)
		}
		servers[i] = server
	}
	logger.Info("with custom DNS servers", slog.Any("servers", servers))
	var next atomic.Uint32
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			server := servers[int(next.Add(1)-1)%len(servers)]
			return d.DialContext(ctx, network, server)
		},
	}
}

func (CLI *CLI) initRelayDomains(kongCtx *kong.Context, logger *slog.Logger) *relay.Store {
	store := relay.NewStore(nil)
	switch {
	case len(CLI.RelayDomains) > 0:
		store.Set(relay.FromList(CLI.RelayDomains))
	case CLI.RelayDomainsFile != "":
		if _, err := store.ReloadFile(CLI.RelayDomainsFile); err != nil {
			kongCtx.FatalIfErrorf(err)
		}
	}
	logger.Info("relay domains", slog.String("domains", store.RelayDomains().String()))
	return store
}

func (CLI *CLI) reloadRelayDomains(store *relay.Store, logger *slog.Logger) {
	if len(CLI.RelayDomains) > 0 || CLI.RelayDomainsFile == "" {
		logger.Info("relay domains are not file based, nothing to reload")
		return
	}
	d, err := store.ReloadFile(CLI.RelayDomainsFile)
	if err != nil {
		logger.Error("failed to reload relay domains", slog.Any("error", err))
		return
	}
	logger.Info("relay domains reloaded", slog.String("domains", d.String()))
}

func (CLI *CLI) initNotifiers(ctx context.Context, kongCtx *kong.Context, logger *slog.Logger) ([]saver.Notifier, func()) {
	notifiers := []saver.Notifier{saver.NewLogNotifier(logger)}
	cleanup := func() {}
	if CLI.JournalDriver != "none" {
		journal, err := saver.OpenJournal(CLI.JournalDriver, CLI.JournalDSN)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		if err := journal.Init(ctx); err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		notifiers = append(notifiers, journal)
		cleanup = func() {
			if err := journal.Close(); err != nil {
				logger.Warn("failed to close journal", slog.Any("error", err))
			}
		}
	}
	if CLI.SlackToken != "" {
		slack, err := saver.NewSlackNotifier(CLI.SlackToken, CLI.SlackChannel)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		notifiers = append(notifiers, slack)
	}
	return notifiers, cleanup
}

func (CLI *CLI) initSaver(kongCtx *kong.Context, logger *slog.Logger, res *net.Resolver, notifiers []saver.Notifier) *saver.Saver {
	var store saver.Store = saver.DiscardStore{}
	if !CLI.MemoryMode {
		fs, err := saver.NewFileStore(CLI.OutputDir)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		logger.Info("saving emails", slog.String("dir", fs.Dir()))
		store = fs
	}
	s, err := saver.NewSaver(
		store,
		saver.WithLogger(logger),
		saver.WithNotifiers(notifiers...),
		saver.WithDKIMVerification(CLI.VerifyDKIM, func(domain string) ([]string, error) {
			return res.LookupTXT(context.Background(), domain)
		}),
	)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return s
}

func (CLI *CLI) initGate(kongCtx *kong.Context, logger *slog.Logger, store *relay.Store, s *saver.Saver) *gate.Gate {
	var rules []gate.BlockRule
	if !CLI.NoBlock {
		for _, v := range CLI.Block {
			rule, err := gate.ParseBlockRule(v)
			if err != nil {
				kongCtx.FatalIfErrorf(err)
			}
			rules = append(rules, rule)
		}
	}
	g, err := gate.NewGate(store, s, gate.WithLogger(logger), gate.WithBlockRules(rules...))
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	for _, rule := range g.BlockRules() {
		logger.Info("block rule", slog.String("rule", rule.String()))
	}
	return g
}

func (CLI *CLI) initServer(kongCtx *kong.Context, logger *slog.Logger, res *net.Resolver, g *gate.Gate) *fakesmtp.Server {
	options := []fakesmtp.OptionFunc{
		fakesmtp.WithLogger(logger),
		fakesmtp.WithResolver(res),
		fakesmtp.WithSPFCheck(CLI.CheckSPF),
		fakesmtp.WithMaxMessageBytes(CLI.MaxMessageBytes),
		fakesmtp.WithMaxRecipients(CLI.MaxRecipients),
		fakesmtp.WithTimeouts(CLI.Timeout, CLI.Timeout),
		fakesmtp.WithSpool(CLI.SpoolThreshold, ""),
	}
	if CLI.Hostname != "" {
		options = append(options, fakesmtp.WithHostname(CLI.Hostname))
	}
	if CLI.Certificate != "" {
		serverTLSConfig, err := loadServerCertificate(CLI.Certificate, CLI.PrivateKey, CLI.Passphrase)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		options = append(options, fakesmtp.WithTLSConfig(serverTLSConfig))
	}
	server, err := fakesmtp.NewServer(CLI.Bind, CLI.BindImplicitTLS, g, options...)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return server
}

func (CLI *CLI) initMetrics(logger *slog.Logger) *http.Server {
	if CLI.MetricsBind == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: CLI.MetricsBind, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("serving metrics", slog.String("addr", CLI.MetricsBind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}

type signalHandlers struct {
	printf   func(format string, args ...interface{})
	reload   func()
	shutdown func(ctx context.Context) error
	logger   *slog.Logger
	// closed once a graceful shutdown has finished
	done chan struct{}
}

// handleSignals reloads on SIGHUP. The first SIGINT starts a graceful
// shutdown in the background, the second one cancels ctx right away.
func handleSignals(ctx context.Context, cancel context.CancelFunc, sigChan <-chan os.Signal, h signalHandlers) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				h.reload()
				continue
			}
			count += 1
			if count == 1 {
				h.printf("Received SIGINT, shutting down...")
				go func() {
					defer close(h.done)
					if err := h.shutdown(ctx); err != nil {
						h.logger.Warn("shutdown did not complete", slog.Any("error", err))
					}
					cancel()
				}()
			} else {
				h.printf("Received SIGINT again, forcing shutdown...")
				cancel()
				return
			}
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	var CLI CLI
	kongCtx := kong.Parse(
		&CLI,
		kong.Name("fakesmtp"),
		kong.Description("SMTP endpoint that captures outbound mail of applications under test."),
		kong.Vars{"spool_threshold": fmt.Sprint(spool.DefaultThreshold)},
	)
	logger := CLI.initLogger(kongCtx)
	res := CLI.initResolver(kongCtx, logger)
	relayDomains := CLI.initRelayDomains(kongCtx, logger)
	notifiers, closeNotifiers := CLI.initNotifiers(ctx, kongCtx, logger)
	defer closeNotifiers()
	s := CLI.initSaver(kongCtx, logger, res, notifiers)
	g := CLI.initGate(kongCtx, logger, relayDomains, s)
	server := CLI.initServer(kongCtx, logger, res, g)
	metricsServer := CLI.initMetrics(logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGHUP)
	shutdownDone := make(chan struct{})
	go handleSignals(ctx, cancel, sigChan, signalHandlers{
		printf:   func(format string, args ...interface{}) { kongCtx.Printf(format, args...) },
		reload:   func() { CLI.reloadRelayDomains(relayDomains, logger) },
		shutdown: server.Shutdown,
		logger:   logger,
		done:     shutdownDone,
	})
	err := server.Serve(ctx)
	if err == nil {
		select {
		case <-shutdownDone:
		case <-ctx.Done():
		}
	}
	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop metrics server", slog.Any("error", err))
		}
	}
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
}
