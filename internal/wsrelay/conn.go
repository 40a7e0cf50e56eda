package wsrelay

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path/filepath"
)

// sniffLen is the number of bytes peeked to classify a connection: the
// length of the "GET / HTTP/1.1" literal, the longest prefix Sniff
// examines (the TLS record header check needs only 3 bytes).
const sniffLen = 14

// prefixConn replays a captured byte slice before delegating further
// reads to the wrapped connection. It lets callers peek at the start of
// a stream (to classify its transport) without losing those bytes.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// Detect peeks the first bytes of conn to classify its transport and
// returns a net.Conn that transparently replays those bytes to the next
// reader — the original conn must not be read from again.
func Detect(conn net.Conn) (Transport, net.Conn, error) {
	buf := make([]byte, sniffLen)
	n, err := io.ReadAtLeast(conn, buf, 1)
	if err != nil && n == 0 {
		return TransportPlainTCP, nil, err
	}
	buf = buf[:n]
	wrapped := &prefixConn{Conn: conn, prefix: buf}
	return Sniff(buf), wrapped, nil
}

// LoadServerTLSConfig loads fullchain.pem/privkey.pem from dir for
// terminating TLS-wrapped WebSocket connections on the engineer port.
func LoadServerTLSConfig(dir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem"))
	if err != nil {
		return nil, fmt.Errorf("wsrelay: load TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Conn is a terminated WebSocket connection presenting a
// payload-at-a-time interface over an arbitrary net.Conn transport
// (plain TCP or TLS).
type Conn struct {
	transport net.Conn
	pending   []byte
}

// Accept performs the server-side HTTP/1.1 upgrade handshake on
// transport, given any bytes of the request already read from it
// (initial; nil when transport is the replaying conn Detect returned),
// and returns a ready-to-use Conn.
func Accept(transport net.Conn, initial []byte) (*Conn, error) {
	buf := append([]byte{}, initial...)
	for {
		key, headerEnd, ok := extractKey(buf)
		if ok {
			if _, err := transport.Write([]byte(acceptResponse(key))); err != nil {
				return nil, fmt.Errorf("wsrelay: write handshake response: %w", err)
			}
			c := &Conn{transport: transport}
			c.pending = append(c.pending, buf[headerEnd:]...)
			return c, nil
		}
		tmp := make([]byte, 512)
		n, err := transport.Read(tmp)
		if err != nil {
			return nil, fmt.Errorf("wsrelay: read handshake request: %w", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

// Recv blocks until at least one WebSocket data frame is available and
// returns its unmasked payload, copied into a freshly allocated slice.
// Control frames (ping/pong/close) are consumed and skipped.
func (c *Conn) Recv() ([]byte, error) {
	for {
		if payload, used, result := Decode(c.pending); result != DecodeIncomplete {
			c.pending = append([]byte(nil), c.pending[used:]...)
			if result == DecodeControl {
				continue
			}
			out := make([]byte, len(payload))
			copy(out, payload)
			return out, nil
		}
		tmp := make([]byte, 4096)
		n, err := c.transport.Read(tmp)
		if n > 0 {
			c.pending = append(c.pending, tmp[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// Send wraps payload in a single binary WebSocket frame and writes it.
// A short write closes neither side; the caller is expected to close the
// slot on error, per this relay's no-retry short-write policy.
func (c *Conn) Send(payload []byte) error {
	frame := Encode(payload)
	n, err := c.transport.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return errShortWrite
	}
	return nil
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.transport.Close()
}
