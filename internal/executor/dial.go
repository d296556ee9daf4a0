package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Conn wraps a connection to an agent. Each Conn is used by a single goroutine.
type Conn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
}

// Dial connects to the agent at addr, retrying with exponential backoff on failure.
func Dial(ctx context.Context, addr Address) (*Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		default:
		}

		c, err := dialOnce(ctx, addr)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return c, nil
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, addr Address) (*Conn, error) {
	switch addr.Scheme {
	case SchemeUnix, SchemeTCP:
		target := addr.Host
		if addr.Scheme == SchemeUnix {
			target = addr.Path
		}
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, addr.Scheme, target)
		if err != nil {
			return nil, err
		}
		return &Conn{conn: conn, reader: conn}, nil
	case SchemeVsock:
		conn, err := vsock.Dial(addr.CID, addr.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock dial %d:%d: %w", addr.CID, addr.Port, err)
		}
		return &Conn{conn: conn, reader: conn}, nil
	case SchemeHVsock:
		return dialVsockUDS(ctx, addr.Path, addr.Port)
	default:
		return nil, fmt.Errorf("scheme %q is not a socket transport", addr.Scheme)
	}
}

// dialVsockUDS connects to a hybrid vsock unix socket and sends the CONNECT
// handshake, after which the bridge forwards to the guest's vsock listener.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all subsequent reads so bytes read ahead
	// of the handshake line are not lost.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &Conn{conn: conn, reader: reader}, nil
}

// Send writes a command frame.
func (c *Conn) Send(cmd Command) error {
	if err := WriteMessage(c.conn, &cmd); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// Receive reads the next message frame.
func (c *Conn) Receive() (Message, error) {
	var msg Message
	if err := ReadMessage(c.reader, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// SetDeadline sets the read and write deadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
