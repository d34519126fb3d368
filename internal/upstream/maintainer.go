// Package upstream implements the per-host connection maintainer
// shared by job-provider and pool connections: DNS resolution, dial,
// frame, dispatch, and fixed-backoff reconnect.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/blockrelay/mining-proxy/internal/metrics"
	"github.com/blockrelay/mining-proxy/internal/wire"
	"go.uber.org/zap"
)

// DefaultBackoff is the fixed reconnect delay after a host's address
// list is exhausted without a successful connection.
const DefaultBackoff = 30 * time.Second

// Handler is the capability set a maintained connection drives. It is
// the Go re-expression of the original's ConnectionHandler trait,
// implemented by distinct concrete types for job providers and pools
// rather than a single polymorphic handler.
type Handler[M any] interface {
	// NewConnection is called once per established connection, before
	// any inbound message is delivered. outbound is the channel the
	// handler writes messages to for transmission; the maintainer
	// drains it until the connection closes.
	NewConnection(outbound chan<- M)
	// HandleMessage processes one decoded inbound message. A non-nil
	// return (typically *wire.ProtocolError) closes the connection.
	HandleMessage(msg M) error
	// ConnectionClosed is called exactly once per connection, after the
	// first of its two pumps has stopped and the socket has been closed.
	ConnectionClosed()
}

// Codec encodes and decodes the message type M for a single wire
// protocol (Work or Pool).
type Codec[M any] struct {
	Encode func(M) []byte
	// Decode must return wire.ErrNeedMore if buf holds no complete
	// message yet, or a *wire.ProtocolError on a fatal framing
	// violation, without consuming buf in either case.
	Decode func(buf []byte) (msg M, consumed int, err error)
}

// Maintainer keeps exactly one connection alive to Host, reconnecting
// on a fixed backoff, framing traffic through Codec and dispatching
// through Handler.
type Maintainer[M any] struct {
	Host    string
	Handler Handler[M]
	Codec   Codec[M]
	Logger  *zap.Logger

	// Backoff is the fixed reconnect delay; defaults to DefaultBackoff.
	Backoff time.Duration

	// Resolve and Dial are injectable for testing; nil selects the
	// real net.Resolver / net.Dialer implementations.
	Resolve func(ctx context.Context, host string) ([]string, error)
	Dial    func(ctx context.Context, addr string) (net.Conn, error)
	// Sleep blocks for d or until ctx is done; returns false if ctx
	// ended the wait early. Injectable so backoff tests do not sleep.
	Sleep func(ctx context.Context, d time.Duration) bool

	readBufSize int
}

func (m *Maintainer[M]) init() {
	if m.Backoff == 0 {
		m.Backoff = DefaultBackoff
	}
	if m.Resolve == nil {
		m.Resolve = resolveHost
	}
	if m.Dial == nil {
		m.Dial = dialTCP
	}
	if m.Sleep == nil {
		m.Sleep = sleepCtx
	}
	if m.readBufSize == 0 {
		m.readBufSize = 64 * 1024
	}
}

// Run drives the Resolving -> Connecting -> Connected -> Backoff state
// machine until ctx is done. It returns only when ctx is cancelled.
func (m *Maintainer[M]) Run(ctx context.Context) {
	m.init()
	for ctx.Err() == nil {
		addrs, err := m.Resolve(ctx, m.Host)
		if err != nil {
			m.Logger.Warn("resolve failed, backing off", zap.String("host", m.Host), zap.Error(err))
			if !m.Sleep(ctx, m.Backoff) {
				return
			}
			continue
		}

		connected := m.connectAny(ctx, addrs)
		if !connected {
			m.Logger.Warn("all addresses failed, backing off", zap.String("host", m.Host))
			if !m.Sleep(ctx, m.Backoff) {
				return
			}
		}
		// On a successful connection that later drops, or on
		// exhausting every address, loop back to Resolving.
	}
}

// connectAny attempts each address in order until one connects, then
// drives that connection until it closes. Returns true if a connection
// was ever established (regardless of how it ended).
func (m *Maintainer[M]) connectAny(ctx context.Context, addrs []string) bool {
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return false
		}
		metrics.ReconnectAttempts.WithLabelValues(m.Host).Inc()
		conn, err := m.Dial(ctx, addr)
		if err != nil {
			m.Logger.Debug("connect failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		m.Logger.Info("connected", zap.String("host", m.Host), zap.String("addr", addr))
		m.runConnection(ctx, conn)
		return true
	}
	return false
}

// runConnection owns a single established connection end to end: sets
// TCP_NODELAY, spawns the send and receive pumps, waits for either to
// finish, and reports closure to the handler.
func (m *Maintainer[M]) runConnection(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	outbound := make(chan M, 64)
	m.Handler.NewConnection(outbound)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go m.sendPump(connCtx, conn, outbound, done)
	go m.receivePump(connCtx, conn, done)

	<-done
	cancel()
	_ = conn.Close()
	m.Handler.ConnectionClosed()
}

func (m *Maintainer[M]) sendPump(ctx context.Context, conn net.Conn, outbound <-chan M, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			if _, err := conn.Write(m.Codec.Encode(msg)); err != nil {
				m.Logger.Debug("send failed", zap.String("host", m.Host), zap.Error(err))
				return
			}
		}
	}
}

func (m *Maintainer[M]) receivePump(ctx context.Context, conn net.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 0, m.readBufSize)
	chunk := make([]byte, m.readBufSize)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				msg, consumed, decErr := m.Codec.Decode(buf)
				if decErr != nil {
					if isNeedMore(decErr) {
						break
					}
					m.Logger.Warn("protocol violation, closing connection",
						zap.String("host", m.Host), zap.Error(decErr))
					return
				}
				buf = buf[consumed:]
				if hErr := m.Handler.HandleMessage(msg); hErr != nil {
					m.Logger.Warn("handler rejected message, closing connection",
						zap.String("host", m.Host), zap.Error(hErr))
					return
				}
			}
		}
		if err != nil {
			m.Logger.Debug("receive ended", zap.String("host", m.Host), zap.Error(err))
			return
		}
	}
}

func resolveHost(ctx context.Context, host string) ([]string, error) {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return nil, fmt.Errorf("upstream: split host:port: %w", err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("upstream: resolve %s: %w", h, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("upstream: no addresses for %s", h)
	}
	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = net.JoinHostPort(ip.IP.String(), port)
	}
	return addrs, nil
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func isNeedMore(err error) bool {
	return errors.Is(err, wire.ErrNeedMore)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
