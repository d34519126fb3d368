package samplepool

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/blockrelay/mining-proxy/internal/wire"
	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
)

func TestExtractClientIDNoServerID(t *testing.T) {
	scriptSig := append([]byte{0xaa, 0xbb}, []byte{5, 0, 0, 0, 0, 0, 0, 0}...)
	id, ok := extractClientID(scriptSig, nil)
	if !ok || id != 5 {
		t.Fatalf("extractClientID = %d, %v, want 5, true", id, ok)
	}
}

func TestExtractClientIDWithServerID(t *testing.T) {
	serverID := []byte("srv1")
	scriptSig := append([]byte{0xaa}, []byte{7, 0, 0, 0, 0, 0, 0, 0}...)
	scriptSig = append(scriptSig, serverID...)
	id, ok := extractClientID(scriptSig, serverID)
	if !ok || id != 7 {
		t.Fatalf("extractClientID = %d, %v, want 7, true", id, ok)
	}
}

func TestExtractClientIDTooShort(t *testing.T) {
	if _, ok := extractClientID([]byte{1, 2, 3}, nil); ok {
		t.Fatal("expected extraction to fail on short scriptSig")
	}
}

func TestDoubleSHA256ConcatDeterministic(t *testing.T) {
	a := [32]byte{1}
	b := [32]byte{2}
	got1 := doubleSHA256Concat(a, b)
	got2 := doubleSHA256Concat(a, b)
	if got1 != got2 {
		t.Fatal("doubleSHA256Concat is not deterministic")
	}
	if got1 == a {
		t.Fatal("hash should not equal input")
	}
}

func TestHandshakeIssuesPayoutInfoAndDifficulty(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := New(priv, []byte("operator-script"), nil, zap.NewNop())

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go srv.handleConn(serverConn)

	send := func(msg wire.PoolMessage) {
		if _, err := clientConn.Write(wire.EncodePoolMessage(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	readMsg := func() wire.PoolMessage {
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			msg, consumed, err := wire.DecodePoolMessage(buf)
			if err == nil {
				_ = consumed
				return msg
			}
			clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, rerr := clientConn.Read(tmp)
			if rerr != nil {
				t.Fatalf("read: %v", rerr)
			}
			buf = append(buf, tmp[:n]...)
		}
	}

	send(wire.ProtocolSupport{Max: 1, Min: 1})
	version, ok := readMsg().(wire.ProtocolVersion)
	if !ok {
		t.Fatalf("expected ProtocolVersion, got %T", version)
	}
	if version.Selected != 1 {
		t.Fatalf("selected version = %d, want 1", version.Selected)
	}

	send(wire.PayoutInfoRequest{UserID: []byte("1BitcoinEaterAddressDontSendf59kuE")})

	payout, ok := readMsg().(*wire.PoolPayoutInfo)
	if !ok {
		t.Fatalf("expected PoolPayoutInfo, got %T", payout)
	}
	if !bytes.Equal(payout.Info.RemainingPayout, []byte("operator-script")) {
		t.Fatalf("unexpected remaining_payout: %v", payout.Info.RemainingPayout)
	}

	diff, ok := readMsg().(wire.ShareDifficulty)
	if !ok {
		t.Fatalf("expected ShareDifficulty, got %T", diff)
	}
	if diff.Difficulty.ShareTarget != shareTargetDiff65536 {
		t.Fatal("unexpected share target issued")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := New(priv, []byte("op"), nil, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after context cancellation")
	}
}
