package saver

import (
	"bufio"
	"bytes"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

const headerSniffLimit = 64 << 10

// headerSniffer keeps the first bytes of a message so the header can be
// inspected without buffering the body. It never fails a write.
type headerSniffer struct {
	buf   bytes.Buffer
	limit int
}

func (h *headerSniffer) Write(p []byte) (int, error) {
	if room := h.limit - h.buf.Len(); room > 0 {
		if len(p) > room {
			h.buf.Write(p[:room])
		} else {
			h.buf.Write(p)
		}
	}
	return len(p), nil
}

// subject returns the decoded Subject header, the raw value when it cannot
// be decoded, or "" when the header section is incomplete or malformed.
func (h *headerSniffer) subject() string {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(h.buf.Bytes())))
	if err != nil {
		return ""
	}
	mh := message.Header{Header: th}
	s, err := mh.Text("Subject")
	if err != nil {
		return mh.Get("Subject")
	}
	return s
}
