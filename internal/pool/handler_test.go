package pool

import (
	"testing"

	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/blockrelay/mining-proxy/internal/wire"
	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T, jobStream chan Update) (*Handler, *sig.PrivateKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h := New("pool:1234", 0, jobStream, nil, zap.NewNop())
	outbound := make(chan wire.PoolMessage, 8)
	h.NewConnection(outbound)
	<-outbound // consume the initial ProtocolSupport

	if err := h.HandleMessage(wire.ProtocolVersion{Selected: 1, AuthKey: sig.CompressPubKey(priv.PubKey())}); err != nil {
		t.Fatalf("ProtocolVersion: %v", err)
	}
	return h, priv
}

func signedPayoutInfo(priv *sig.PrivateKey, ts uint64, ratio uint16) *wire.PoolPayoutInfo {
	msg := &wire.PoolPayoutInfo{Info: types.PoolPayoutInfo{Timestamp: ts, SelfPayoutRatioPer1000: ratio}}
	msg.Signature = sig.Sign(priv, wire.TagPoolPayoutInfo, msg.EncodeUnsigned())
	return msg
}

func TestPayoutInfoMonotonicity(t *testing.T) {
	jobStream := make(chan Update, 10)
	h, priv := newTestHandler(t, jobStream)

	timestamps := []uint64{5, 7, 6, 8}
	for _, ts := range timestamps {
		if err := h.HandleMessage(signedPayoutInfo(priv, ts, 100)); err != nil {
			t.Fatalf("payout info %d: %v", ts, err)
		}
	}

	var accepted []uint64
	close(jobStream)
	for u := range jobStream {
		accepted = append(accepted, u.Info.Timestamp)
	}

	want := []uint64{5, 7, 8}
	if len(accepted) != len(want) {
		t.Fatalf("accepted = %v, want %v", accepted, want)
	}
	for i := range want {
		if accepted[i] != want[i] {
			t.Fatalf("accepted = %v, want %v", accepted, want)
		}
	}
}

func TestPayoutInfoRejectsBadSignature(t *testing.T) {
	jobStream := make(chan Update, 10)
	h, priv := newTestHandler(t, jobStream)

	msg := signedPayoutInfo(priv, 1, 100)
	msg.Signature[0] ^= 0xFF

	if err := h.HandleMessage(msg); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestShareDifficultyIsUnsignedAndTriggersReupdate(t *testing.T) {
	jobStream := make(chan Update, 10)
	h, priv := newTestHandler(t, jobStream)

	if err := h.HandleMessage(signedPayoutInfo(priv, 1, 100)); err != nil {
		t.Fatalf("payout info: %v", err)
	}
	<-jobStream // drain the payout-info-triggered update

	diff := wire.ShareDifficulty{Difficulty: types.PoolDifficulty{ShareTarget: [32]byte{0xFF}}}
	if err := h.HandleMessage(diff); err != nil {
		t.Fatalf("share difficulty: %v", err)
	}

	select {
	case u := <-jobStream:
		if u.Difficulty.ShareTarget != diff.Difficulty.ShareTarget {
			t.Fatalf("unexpected difficulty: %v", u.Difficulty)
		}
		if u.Info.Timestamp != 1 {
			t.Fatalf("expected re-pushed payout info with timestamp 1, got %d", u.Info.Timestamp)
		}
	default:
		t.Fatal("expected an update after ShareDifficulty with known payout info")
	}

	got, ok := h.CurrentDifficulty()
	if !ok || got.ShareTarget != diff.Difficulty.ShareTarget {
		t.Fatalf("CurrentDifficulty = %v, %v", got, ok)
	}
}

func TestShareDifficultyWithoutPayoutInfoDoesNotPush(t *testing.T) {
	jobStream := make(chan Update, 10)
	h, _ := newTestHandler(t, jobStream)

	diff := wire.ShareDifficulty{Difficulty: types.PoolDifficulty{ShareTarget: [32]byte{0x01}}}
	if err := h.HandleMessage(diff); err != nil {
		t.Fatalf("share difficulty: %v", err)
	}

	select {
	case u := <-jobStream:
		t.Fatalf("unexpected update pushed with no payout info: %v", u)
	default:
	}
}

func TestUnexpectedInboundVariantIsProtocolViolation(t *testing.T) {
	jobStream := make(chan Update, 10)
	h, _ := newTestHandler(t, jobStream)

	err := h.HandleMessage(wire.Share{Share: types.PoolShare{}})
	if err == nil {
		t.Fatal("expected protocol violation for inbound Share")
	}
}

func TestWeakBlockStateResetClearsState(t *testing.T) {
	jobStream := make(chan Update, 10)
	h, _ := newTestHandler(t, jobStream)

	if err := h.HandleMessage(wire.WeakBlockStateReset{}); err != nil {
		t.Fatalf("WeakBlockStateReset: %v", err)
	}
	h.mu.Lock()
	reset := !h.hasWeakBlock
	h.mu.Unlock()
	if !reset {
		t.Fatal("expected hasWeakBlock to be cleared")
	}
}
