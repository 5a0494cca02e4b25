package saver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store creates the destination of one message.
type Store interface {
	Create(id string) (Sink, error)
}

// Sink receives the bytes of one message. Exactly one of Commit or Abort
// must be called once writing is over.
type Sink interface {
	io.Writer
	// Commit makes the message visible and returns where it was stored, or
	// "" when the store keeps nothing.
	Commit() (string, error)
	Abort() error
}

var errSinkDone = errors.New("sink already committed or aborted")

// FileStore writes every message to <dir>/<id>.eml. Messages are written to
// a hidden temporary file first and renamed once complete, so a partially
// received message never shows up under its final name.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) Create(id string) (Sink, error) {
	f, err := os.CreateTemp(fs.dir, ".incoming-"+id+"-*")
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f, path: filepath.Join(fs.dir, id+".eml")}, nil
}

type fileSink struct {
	f    *os.File
	path string
	done bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s.done {
		return 0, errSinkDone
	}
	return s.f.Write(p)
}

func (s *fileSink) Commit() (string, error) {
	if s.done {
		return "", errSinkDone
	}
	s.done = true
	tmp := s.f.Name()
	if err := s.f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return s.path, nil
}

func (s *fileSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.f.Close()
	if rerr := os.Remove(s.f.Name()); err == nil {
		err = rerr
	}
	return err
}

// DiscardStore keeps nothing. It backs memory mode, where messages are only
// counted and notified.
type DiscardStore struct{}

func (DiscardStore) Create(string) (Sink, error) {
	return discardSink{}, nil
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) {
	return len(p), nil
}

func (discardSink) Commit() (string, error) {
	return "", nil
}

func (discardSink) Abort() error {
	return nil
}
