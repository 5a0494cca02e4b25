// Package spool keeps a message body that has to be read more than once.
// Small bodies stay in memory; larger ones overflow to a temporary file.
package spool

import (
	"bytes"
	"errors"
	"io"
	"os"
)

const DefaultThreshold = 1 << 20

var ErrClosed = errors.New("spool closed")

type Spool struct {
	threshold int64
	dir       string
	buf       bytes.Buffer
	f         *os.File
	size      int64
	closed    bool
}

// New returns a spool that keeps up to threshold bytes in memory. Overflow
// goes to a temporary file in dir, or the default temporary directory when
// dir is empty.
func New(threshold int64, dir string) *Spool {
	if threshold < 0 {
		threshold = 0
	}
	return &Spool{threshold: threshold, dir: dir}
}

func (s *Spool) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.f == nil && int64(s.buf.Len()+len(p)) > s.threshold {
		if err := s.overflow(); err != nil {
			return 0, err
		}
	}
	var n int
	var err error
	if s.f != nil {
		n, err = s.f.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *Spool) overflow() error {
	f, err := os.CreateTemp(s.dir, "fakesmtp-spool-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	s.f = f
	s.buf = bytes.Buffer{}
	return nil
}

func (s *Spool) Size() int64 {
	return s.size
}

func (s *Spool) InMemory() bool {
	return s.f == nil
}

// Reader returns an independent reader over everything written so far.
func (s *Spool) Reader() (io.Reader, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.f != nil {
		return io.NewSectionReader(s.f, 0, s.size), nil
	}
	return bytes.NewReader(s.buf.Bytes()), nil
}

// Close releases the memory buffer and removes the temporary file, if any.
func (s *Spool) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = bytes.Buffer{}
	if s.f == nil {
		return nil
	}
	name := s.f.Name()
	err := s.f.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}
