package saver

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	name     string
	messages []*Message
	err      error
}

func (n *recordingNotifier) Name() string {
	return n.name
}

func (n *recordingNotifier) Notify(_ context.Context, m *Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, m)
	return n.err
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSaveToFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "out"))
	require.NoError(t, err)
	n := &recordingNotifier{name: "rec"}
	receivedAt := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewSaver(store, WithNotifiers(n), withClock(func() time.Time { return receivedAt }))
	require.NoError(t, err)

	body := []byte("From: a@x.com\r\nSubject: =?utf-8?q?h=C3=A9llo?=\r\n\r\nHello, world!\r\n")
	require.NoError(t, s.SaveEmailAndNotify(context.Background(), "a@x.com", "b@example.com", bytes.NewReader(body)))

	require.Len(t, n.messages, 1)
	m := n.messages[0]
	assert.Equal(t, "a@x.com", m.From)
	assert.Equal(t, "b@example.com", m.Recipient)
	assert.Equal(t, "héllo", m.Subject)
	assert.Equal(t, int64(len(body)), m.Size)
	assert.Equal(t, receivedAt, m.ReceivedAt)
	assert.Len(t, m.ID, 26)
	assert.Equal(t, filepath.Join(store.Dir(), m.ID+".eml"), m.Path)
	assert.Nil(t, m.DKIM)

	saved, err := os.ReadFile(m.Path)
	require.NoError(t, err)
	assert.Equal(t, body, saved)
	assert.Equal(t, []string{m.ID + ".eml"}, listDir(t, store.Dir()))
}

func TestSaveLargeMessage(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	n := &recordingNotifier{name: "rec"}
	s, err := NewSaver(store, WithNotifiers(n))
	require.NoError(t, err)

	body := make([]byte, 8<<20+13)
	_, err = rand.Read(body)
	require.NoError(t, err)
	require.NoError(t, s.SaveEmailAndNotify(context.Background(), "a@x.com", "b@example.com", iotest.HalfReader(bytes.NewReader(body))))

	require.Len(t, n.messages, 1)
	saved, err := os.ReadFile(n.messages[0].Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, saved))
	assert.Equal(t, "", n.messages[0].Subject)
}

func TestSaveFailureLeavesNothing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	n := &recordingNotifier{name: "rec"}
	s, err := NewSaver(store, WithNotifiers(n))
	require.NoError(t, err)

	failure := errors.New("connection reset")
	data := io.MultiReader(bytes.NewReader([]byte("Subject: partial\r\n\r\n")), iotest.ErrReader(failure))
	err = s.SaveEmailAndNotify(context.Background(), "a@x.com", "b@example.com", data)
	assert.ErrorIs(t, err, failure)
	assert.Empty(t, n.messages)
	assert.Empty(t, listDir(t, store.Dir()))
}

func TestSaveMemoryMode(t *testing.T) {
	n := &recordingNotifier{name: "rec"}
	s, err := NewSaver(DiscardStore{}, WithNotifiers(n), WithDKIMVerification(true, nil))
	require.NoError(t, err)

	require.NoError(t, s.SaveEmailAndNotify(context.Background(), "a@x.com", "b@example.com", bytes.NewReader([]byte("Subject: mem\r\n\r\nbody"))))
	require.Len(t, n.messages, 1)
	assert.Equal(t, "", n.messages[0].Path)
	assert.Equal(t, "mem", n.messages[0].Subject)
	assert.Equal(t, int64(20), n.messages[0].Size)
	assert.Nil(t, n.messages[0].DKIM)
}

func TestNotifierFailureDoesNotFailDelivery(t *testing.T) {
	failing := &recordingNotifier{name: "failing", err: errors.New("unreachable")}
	ok := &recordingNotifier{name: "ok"}
	s, err := NewSaver(DiscardStore{}, WithNotifiers(failing, ok))
	require.NoError(t, err)

	require.NoError(t, s.SaveEmailAndNotify(context.Background(), "a@x.com", "b@example.com", bytes.NewReader([]byte("x"))))
	assert.Len(t, failing.messages, 1)
	assert.Len(t, ok.messages, 1)
}

func TestNewSaverValidation(t *testing.T) {
	_, err := NewSaver(nil)
	assert.Error(t, err)
	_, err = NewSaver(DiscardStore{}, WithNotifiers(nil))
	assert.Error(t, err)
}

func TestSaveVerifiesDKIM(t *testing.T) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	raw := []byte("From: sender@example.com\r\nTo: b@example.com\r\nSubject: signed\r\n\r\nHello, World!\r\n")
	var signed bytes.Buffer
	require.NoError(t, dkim.Sign(&signed, bytes.NewReader(raw), &dkim.SignOptions{
		Domain:     "example.com",
		Selector:   "selector",
		Signer:     privKey,
		Hash:       crypto.SHA256,
		HeaderKeys: []string{"From", "To", "Subject"},
	}))

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	n := &recordingNotifier{name: "rec"}
	s, err := NewSaver(
		store,
		WithNotifiers(n),
		WithDKIMVerification(true, func(domain string) ([]string, error) {
			return []string{fmt.Sprintf("v=DKIM1; k=ed25519; p=%s", base64.StdEncoding.EncodeToString(pubKey))}, nil
		}),
	)
	require.NoError(t, err)

	require.NoError(t, s.SaveEmailAndNotify(context.Background(), "sender@example.com", "b@example.com", bytes.NewReader(signed.Bytes())))
	require.NoError(t, s.SaveEmailAndNotify(context.Background(), "sender@example.com", "b@example.com", bytes.NewReader(raw)))
	require.Len(t, n.messages, 2)
	assert.Equal(t, []string{"pass example.com"}, n.messages[0].DKIM)
	assert.Equal(t, []string{"none"}, n.messages[1].DKIM)
}

func TestFileSinkAbortAndCommitOnce(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sink, err := store.Create("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.NoError(t, err)
	_, err = sink.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, sink.Abort())
	assert.NoError(t, sink.Abort())
	_, err = sink.Commit()
	assert.Error(t, err)
	_, err = sink.Write([]byte("x"))
	assert.Error(t, err)
	assert.Empty(t, listDir(t, store.Dir()))
}

func TestHeaderSniffer(t *testing.T) {
	{
		h := &headerSniffer{limit: 8}
		n, err := h.Write([]byte("Subject: truncated\r\n\r\n"))
		assert.NoError(t, err)
		assert.Equal(t, 22, n)
		assert.Equal(t, "", h.subject())
	}
	{
		h := &headerSniffer{limit: headerSniffLimit}
		h.Write([]byte("Subject: plain\r\n"))
		h.Write([]byte("\r\nbody"))
		assert.Equal(t, "plain", h.subject())
	}
}
