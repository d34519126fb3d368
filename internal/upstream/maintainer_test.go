package upstream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blockrelay/mining-proxy/internal/wire"
	"go.uber.org/zap"
)

// byteCodec is a minimal single-byte-message protocol used only to
// exercise the maintainer's pumps without depending on internal/wire's
// concrete message types.
var byteCodec = Codec[byte]{
	Encode: func(b byte) []byte { return []byte{b} },
	Decode: func(buf []byte) (byte, int, error) {
		if len(buf) < 1 {
			return 0, 0, wire.ErrNeedMore
		}
		return buf[0], 1, nil
	},
}

type recordingHandler struct {
	mu       sync.Mutex
	received []byte
	outbound chan<- byte
	closed   int
}

func (h *recordingHandler) NewConnection(outbound chan<- byte) {
	h.mu.Lock()
	h.outbound = outbound
	h.mu.Unlock()
}

func (h *recordingHandler) HandleMessage(msg byte) error {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) ConnectionClosed() {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
}

func TestMaintainerDeliversInboundMessages(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	handler := &recordingHandler{}
	dialed := make(chan struct{}, 1)

	m := &Maintainer[byte]{
		Host:    "example.invalid:1234",
		Handler: handler,
		Codec:   byteCodec,
		Logger:  zap.NewNop(),
		Resolve: func(ctx context.Context, host string) ([]string, error) {
			return []string{"127.0.0.1:0"}, nil
		},
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			select {
			case dialed <- struct{}{}:
			default:
			}
			return clientConn, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	<-dialed
	if _, err := serverConn.Write([]byte{0xAB}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.received)
		handler.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.received) != 1 || handler.received[0] != 0xAB {
		t.Fatalf("received = %v, want [0xAB]", handler.received)
	}
}

func TestMaintainerBacksOffOnResolveFailure(t *testing.T) {
	handler := &recordingHandler{}
	var sleeps int
	sleepDone := make(chan struct{})

	m := &Maintainer[byte]{
		Host:    "unresolvable.invalid:1234",
		Handler: handler,
		Codec:   byteCodec,
		Logger:  zap.NewNop(),
		Resolve: func(ctx context.Context, host string) ([]string, error) {
			return nil, net.UnknownNetworkError("boom")
		},
		Sleep: func(ctx context.Context, d time.Duration) bool {
			sleeps++
			if sleeps >= 2 {
				close(sleepDone)
				return false
			}
			return true
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-sleepDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backoff sleeps")
	}
	<-done

	if sleeps < 2 {
		t.Fatalf("sleeps = %d, want >= 2", sleeps)
	}
}
