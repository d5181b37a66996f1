// Package wireframe handles reading and writing length-delimited JSON
// messages over a net.Conn, with optional NaCl secretbox encryption.
//
// Wire format (unencrypted): a varint-prefixed UTF-8 JSON document, one per
// frame, per the message-framing contract in §6.
//
// Wire format (encrypted): a varint-prefixed frame whose payload is
// nonce||ciphertext of the JSON document. Framing is identical in both
// cases — only the frame contents differ.
package wireframe

import (
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-msgio"

	"go.klb.dev/meshclip/internal/crypto"
)

const (
	// MaxMessageSize is the largest frame this layer will read (16 MiB),
	// guarding against a hostile peer driving unbounded allocation.
	MaxMessageSize = 16 * 1024 * 1024

	writeDeadline = 5 * time.Second
)

// Conn wraps a net.Conn with length-delimited JSON framing and optional
// encryption. One Conn corresponds to one protocol stream.
type Conn struct {
	conn   net.Conn
	writer msgio.WriteCloser
	reader msgio.ReadCloser
	key    *[32]byte // nil = no encryption
}

// New wraps conn with varint-length-delimited framing. If key is non-nil,
// every frame is encrypted with NaCl secretbox before being written and
// decrypted after being read.
func New(conn net.Conn, key *[32]byte) *Conn {
	return &Conn{
		conn:   conn,
		writer: msgio.NewVarintWriter(conn),
		reader: msgio.NewVarintReaderSize(conn, MaxMessageSize),
		key:    key,
	}
}

// Underlying returns the wrapped net.Conn.
func (c *Conn) Underlying() net.Conn { return c.conn }

// SetReadDeadline sets or clears the read deadline.
func (c *Conn) SetReadDeadline(d time.Duration) {
	if d == 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

// SetWriteDeadline sets or clears the write deadline.
func (c *Conn) SetWriteDeadline(d time.Duration) {
	if d == 0 {
		_ = c.conn.SetWriteDeadline(time.Time{})
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}
}

// Close closes the framing layer and the underlying connection.
func (c *Conn) Close() error {
	_ = c.writer.Close()
	_ = c.reader.Close()
	return c.conn.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// WriteFrame writes one raw JSON document as a single length-delimited
// frame, optionally encrypting it first.
func (c *Conn) WriteFrame(raw []byte) error {
	payload := raw
	if c.key != nil {
		ct, err := crypto.Seal(raw, c.key)
		if err != nil {
			return fmt.Errorf("wireframe: encrypt: %w", err)
		}
		payload = ct
	}

	c.SetWriteDeadline(writeDeadline)
	err := c.writer.WriteMsg(payload)
	c.SetWriteDeadline(0)
	if err != nil {
		return fmt.Errorf("wireframe: write: %w", err)
	}
	return nil
}

// ReadFrame reads one length-delimited frame, optionally decrypting it, and
// returns the raw JSON document.
func (c *Conn) ReadFrame() ([]byte, error) {
	frame, err := c.reader.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("wireframe: read: %w", err)
	}

	if c.key == nil {
		out := append([]byte(nil), frame...)
		c.reader.ReleaseMsg(frame)
		return out, nil
	}

	raw, err := crypto.Open(frame, c.key)
	c.reader.ReleaseMsg(frame)
	if err != nil {
		return nil, fmt.Errorf("wireframe: decrypt: %w", err)
	}
	return raw, nil
}
