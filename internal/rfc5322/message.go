// Package rfc5322 provides the message parsing and header-mutation
// helpers the Transfer Agent needs: reading raw RFC 5322 text into a
// mutable header+body pair, extracting the Message-Id, parsing address
// lists out of To/Cc/Bcc, and producing per-recipient envelope copies.
//
// Built on github.com/emersion/go-message/textproto so header field
// order and folding survive the round trip untouched.
package rfc5322

import (
	"bufio"
	"bytes"
	"io"
	"net/mail"

	"github.com/emersion/go-message/textproto"
)

// Message is a parsed RFC 5322 message: a mutable header plus an
// immutable raw body.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// Parse reads raw as an RFC 5322 message.
func Parse(raw []byte) (*Message, error) {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}
	// Body is everything after the header; re-derive it by skipping
	// exactly as many bytes as WriteTo would emit for hdr is fragile, so
	// instead split on the blank-line boundary ourselves.
	body := splitBody(raw)
	return &Message{Header: hdr, Body: body}, nil
}

func splitBody(raw []byte) []byte {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if idx := bytes.Index(raw, sep); idx >= 0 {
			return raw[idx+len(sep):]
		}
	}
	return nil
}

// Clone produces a deep copy: an independent Header and Body, so
// mutating the copy (e.g. rewriting Delivered-To for one recipient)
// never affects the original or other copies.
func (m *Message) Clone() *Message {
	return &Message{
		Header: m.Header.Copy(),
		Body:   append([]byte(nil), m.Body...),
	}
}

// MessageID returns the Message-Id header value, or "" if absent.
func (m *Message) MessageID() string {
	return m.Header.Get("Message-Id")
}

// DeliveredTo returns the Delivered-To header value, or "" if absent.
func (m *Message) DeliveredTo() string {
	return m.Header.Get("Delivered-To")
}

// SetDeliveredTo removes any existing Delivered-To header and sets a
// single new one.
func (m *Message) SetDeliveredTo(addr string) {
	m.Header.Del("Delivered-To")
	m.Header.Set("Delivered-To", addr)
}

// Bcc returns the raw Bcc header value, or "" if absent.
func (m *Message) Bcc() string {
	return m.Header.Get("Bcc")
}

// HasBcc reports whether a Bcc header is present.
func (m *Message) HasBcc() bool {
	return m.Header.Has("Bcc")
}

// RewriteBcc replaces the Bcc header with a single address, so each
// recipient's envelope only ever shows its own Bcc entry.
func (m *Message) RewriteBcc(addr string) {
	m.Header.Del("Bcc")
	m.Header.Set("Bcc", addr)
}

// StripHeaders removes the named headers, used to drop the internal
// bookkeeping headers from a copy before it leaves this instance.
func (m *Message) StripHeaders(names ...string) {
	for _, n := range names {
		m.Header.Del(n)
	}
}

// Bytes serializes the message back to raw RFC 5322 text.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the header followed by the body to w.
func (m *Message) WriteTo(w io.Writer) error {
	if err := textproto.WriteHeader(w, m.Header); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

// Recipients parses an address-list header (To, Cc or Bcc) and returns
// only the entries of address type email — malformed entries (groups,
// unparsable strings) are skipped rather than failing the whole header,
// matching a lenient MTA's behavior when classifying recipients.
func Recipients(headerValue string) []*mail.Address {
	if headerValue == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(headerValue)
	if err != nil {
		// Fall back to every entry that parses on its own, rather than
		// dropping the whole header on one bad entry.
		return partialParse(headerValue)
	}
	return addrs
}

func partialParse(headerValue string) []*mail.Address {
	var out []*mail.Address
	for _, part := range splitAddrList(headerValue) {
		if a, err := mail.ParseAddress(part); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func splitAddrList(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
