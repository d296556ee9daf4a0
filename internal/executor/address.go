package executor

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Address schemes.
const (
	SchemeUnix   = "unix"
	SchemeTCP    = "tcp"
	SchemeVsock  = "vsock"
	SchemeHVsock = "hvsock"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
)

// Address is a parsed executor endpoint.
//
//	unix:///run/kiln-agent.sock
//	tcp://127.0.0.1:7070
//	vsock://3:1024                       (context id, port)
//	hvsock:///run/vm/v.sock?port=1024    (host side of a hybrid vsock unix bridge)
//	http://executor.internal:9000
type Address struct {
	Scheme string
	Path   string
	Host   string
	CID    uint32
	Port   uint32
	raw    string
}

func (a Address) String() string { return a.raw }

// IsHTTP reports whether the address points at an HTTP executor.
func (a Address) IsHTTP() bool {
	return a.Scheme == SchemeHTTP || a.Scheme == SchemeHTTPS
}

// ParseAddress parses an executor address.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", raw, err)
	}
	a := Address{Scheme: u.Scheme, raw: raw}

	switch u.Scheme {
	case SchemeUnix:
		if u.Path == "" {
			return Address{}, fmt.Errorf("address %q: missing socket path", raw)
		}
		a.Path = u.Path
	case SchemeTCP:
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return Address{}, fmt.Errorf("address %q: %w", raw, err)
		}
		a.Host = u.Host
	case SchemeVsock:
		cid, port, ok := strings.Cut(u.Host, ":")
		if !ok {
			return Address{}, fmt.Errorf("address %q: want vsock://<cid>:<port>", raw)
		}
		c, err := parseUint32(cid)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: context id: %w", raw, err)
		}
		p, err := parseUint32(port)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: port: %w", raw, err)
		}
		a.CID, a.Port = c, p
	case SchemeHVsock:
		if u.Path == "" {
			return Address{}, fmt.Errorf("address %q: missing socket path", raw)
		}
		p, err := parseUint32(u.Query().Get("port"))
		if err != nil {
			return Address{}, fmt.Errorf("address %q: port: %w", raw, err)
		}
		a.Path, a.Port = u.Path, p
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return Address{}, fmt.Errorf("address %q: missing host", raw)
		}
		a.Host = u.Host
	default:
		return Address{}, fmt.Errorf("address %q: unsupported scheme %q", raw, u.Scheme)
	}
	return a, nil
}

// Listen opens a listener for an agent serving on addr. Only unix, tcp and
// vsock addresses can be listened on; for vsock the context id is ignored.
func Listen(raw string) (net.Listener, error) {
	a, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	switch a.Scheme {
	case SchemeUnix:
		return net.Listen("unix", a.Path)
	case SchemeTCP:
		return net.Listen("tcp", a.Host)
	case SchemeVsock:
		l, err := vsock.Listen(a.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", a.Port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("cannot listen on %s address %q", a.Scheme, raw)
	}
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
