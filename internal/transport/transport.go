// Package transport opens the duplex byte streams clipvm runs over.
//
// Addresses are URLs:
//
//	vsock://2:52525      guest → host over AF_VSOCK (CID 2 is the host)
//	vsock://:52525       host side: listen on port 52525, any CID
//	tcp://127.0.0.1:52525
//	unix:///run/clipvm.sock
//
// A bare host:port is treated as TCP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

const (
	// DefaultPort is the well-known clipvm service port.
	DefaultPort = 52525

	// HostCID is the vsock context ID of the hypervisor host.
	HostCID = vsock.Host
)

// Network names.
const (
	VSock = "vsock"
	TCP   = "tcp"
	Unix  = "unix"
)

// Addr is a parsed transport address.
type Addr struct {
	Network string
	// Address is host:port for TCP and a filesystem path for Unix.
	Address string
	// CID and Port address vsock endpoints. AnyCID means "listen on all".
	CID    uint32
	Port   uint32
	AnyCID bool
}

// DefaultGuestAddr dials the host over vsock.
func DefaultGuestAddr() string { return fmt.Sprintf("vsock://%d:%d", HostCID, DefaultPort) }

// DefaultHostAddr listens on the vsock service port.
func DefaultHostAddr() string { return fmt.Sprintf("vsock://:%d", DefaultPort) }

// Parse parses a transport URL.
func Parse(s string) (Addr, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		scheme, rest = TCP, s
	}
	switch scheme {
	case TCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Addr{}, fmt.Errorf("transport: tcp address %q: %w", rest, err)
		}
		return Addr{Network: TCP, Address: rest}, nil

	case Unix:
		if rest == "" {
			return Addr{}, errors.New("transport: empty unix socket path")
		}
		return Addr{Network: Unix, Address: rest}, nil

	case VSock:
		cidStr, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			return Addr{}, fmt.Errorf("transport: vsock address %q: %w", rest, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("transport: vsock port %q: %w", portStr, err)
		}
		a := Addr{Network: VSock, Port: uint32(port)}
		if cidStr == "" {
			a.AnyCID = true
			return a, nil
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("transport: vsock cid %q: %w", cidStr, err)
		}
		a.CID = uint32(cid)
		return a, nil

	default:
		return Addr{}, fmt.Errorf("transport: unsupported scheme %q", scheme)
	}
}

func (a Addr) String() string {
	if a.Network == VSock {
		if a.AnyCID {
			return fmt.Sprintf("vsock://:%d", a.Port)
		}
		return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
	}
	return a.Network + "://" + a.Address
}

// Dial opens a stream to a.
func Dial(ctx context.Context, a Addr) (net.Conn, error) {
	switch a.Network {
	case TCP, Unix:
		var d net.Dialer
		return d.DialContext(ctx, a.Network, a.Address)
	case VSock:
		if a.AnyCID {
			return nil, fmt.Errorf("transport: cannot dial %s without a context ID", a)
		}
		return dialVSock(ctx, a)
	default:
		return nil, fmt.Errorf("transport: unsupported network %q", a.Network)
	}
}

// dialVSock runs the blocking vsock dial so ctx can abandon it.
func dialVSock(ctx context.Context, a Addr) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(a.CID, a.Port, nil)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{c, nil}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Listen binds a. For Unix sockets a stale socket file is removed first.
func Listen(a Addr) (net.Listener, error) {
	switch a.Network {
	case TCP:
		return net.Listen(TCP, a.Address)
	case Unix:
		// Remove stale socket from a previous (crashed) run.
		_ = os.Remove(a.Address)
		return net.Listen(Unix, a.Address)
	case VSock:
		if a.AnyCID {
			return vsock.Listen(a.Port, nil)
		}
		return vsock.ListenContextID(a.CID, a.Port, nil)
	default:
		return nil, fmt.Errorf("transport: unsupported network %q", a.Network)
	}
}
