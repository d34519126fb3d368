package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blockrelay/mining-proxy/internal/types"
)

func sampleTemplate() types.BlockTemplate {
	return types.BlockTemplate{
		TemplateID:             5,
		Target:                 [32]byte{0xff},
		HeaderVersion:          1,
		HeaderPrevBlock:        [32]byte{1, 2, 3},
		HeaderTime:             1000,
		HeaderNBits:            0x1d00ffff,
		MerkleRHSS:             [][32]byte{{1}, {2}, {3}},
		CoinbaseValueRemaining: 5_000_000_000,
		CoinbaseVersion:        1,
		CoinbaseInputSequence:  0xffffffff,
		CoinbasePrefix:         []byte{0xde, 0xad, 0xbe, 0xef},
		AppendedCoinbaseOutputs: []types.TxOut{
			{Value: 100, ScriptPubKey: []byte{0x51}},
		},
		CoinbaseLocktime: 0,
	}
}

func TestWorkBlockTemplateRoundTrip(t *testing.T) {
	tmpl := sampleTemplate()
	msg := &WorkBlockTemplate{Template: tmpl}
	msg.Signature[0] = 0xAB

	buf := EncodeWorkMessage(msg)
	decoded, n, err := DecodeWorkMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	got, ok := decoded.(*WorkBlockTemplate)
	if !ok {
		t.Fatalf("decoded type %T, want *WorkBlockTemplate", decoded)
	}
	if got.Signature != msg.Signature {
		t.Fatal("signature mismatch after round trip")
	}
	if !bytes.Equal(got.EncodeUnsigned(), msg.EncodeUnsigned()) {
		t.Fatal("unsigned encoding not stable across round trip")
	}
	if got.Template.TemplateID != tmpl.TemplateID {
		t.Fatalf("template_id = %d, want %d", got.Template.TemplateID, tmpl.TemplateID)
	}
	if len(got.Template.MerkleRHSS) != 3 {
		t.Fatalf("merkle_rhss len = %d, want 3", len(got.Template.MerkleRHSS))
	}
}

func TestWorkMessageNeedMoreOnPartialBuffer(t *testing.T) {
	tmpl := sampleTemplate()
	msg := &WorkBlockTemplate{Template: tmpl}
	full := EncodeWorkMessage(msg)

	for cut := 0; cut < len(full); cut++ {
		_, _, err := DecodeWorkMessage(full[:cut])
		if !errors.Is(err, ErrNeedMore) {
			t.Fatalf("prefix length %d: err = %v, want ErrNeedMore", cut, err)
		}
	}
}

func TestMerkleRHSSTooLongIsProtocolError(t *testing.T) {
	tmpl := sampleTemplate()
	tmpl.MerkleRHSS = make([][32]byte, 16)
	buf := EncodeWorkMessage(&WorkBlockTemplate{Template: tmpl})

	_, _, err := DecodeWorkMessage(buf)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestCoinbasePrefixTooLongIsProtocolError(t *testing.T) {
	tmpl := sampleTemplate()
	tmpl.CoinbasePrefix = bytes.Repeat([]byte{0x01}, 101)
	buf := EncodeWorkMessage(&WorkBlockTemplate{Template: tmpl})

	_, _, err := DecodeWorkMessage(buf)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestWinningNonceRoundTrip(t *testing.T) {
	nonce := types.WinningNonce{
		TemplateID:    7,
		HeaderVersion: 2,
		HeaderTime:    42,
		HeaderNonce:   99,
		CoinbaseTx:    []byte{0x01, 0x02, 0x03},
	}
	buf := EncodeWorkMessage(WorkWinningNonce{Nonce: nonce})
	decoded, n, err := DecodeWorkMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	got := decoded.(WorkWinningNonce)
	if got.Nonce.TemplateID != nonce.TemplateID || got.Nonce.HeaderNonce != nonce.HeaderNonce ||
		!bytes.Equal(got.Nonce.CoinbaseTx, nonce.CoinbaseTx) {
		t.Fatalf("nonce = %+v, want %+v", got.Nonce, nonce)
	}
}

func TestUnknownWorkTagIsProtocolError(t *testing.T) {
	_, _, err := DecodeWorkMessage([]byte{0x99})
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestPoolPayoutInfoRoundTrip(t *testing.T) {
	info := types.PoolPayoutInfo{
		Timestamp:              1,
		SelfPayoutRatioPer1000: 250,
		CoinbasePostfix:        []byte{0x01, 0x02},
		RemainingPayout:        []byte{0x76, 0xa9},
		AppendedOutputs: []types.TxOut{
			{Value: 1, ScriptPubKey: []byte{0x6a}},
		},
	}
	msg := &PoolPayoutInfo{Info: info}
	msg.Signature[1] = 0xCD

	buf := EncodePoolMessage(msg)
	decoded, n, err := DecodePoolMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	got := decoded.(*PoolPayoutInfo)
	if got.Info.SelfPayoutRatioPer1000 != 250 {
		t.Fatalf("self_ratio = %d, want 250", got.Info.SelfPayoutRatioPer1000)
	}
	if got.Signature != msg.Signature {
		t.Fatal("signature mismatch after round trip")
	}
}

func TestSelfPayoutRatioOverMaxIsProtocolError(t *testing.T) {
	info := types.PoolPayoutInfo{Timestamp: 1, SelfPayoutRatioPer1000: 1001}
	buf := EncodePoolMessage(&PoolPayoutInfo{Info: info})
	_, _, err := DecodePoolMessage(buf)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestShareDifficultyRoundTrip(t *testing.T) {
	diff := types.PoolDifficulty{ShareTarget: [32]byte{0x7f}, WeakBlockTarget: [32]byte{0x01}}
	buf := EncodePoolMessage(ShareDifficulty{Difficulty: diff})
	decoded, n, err := DecodePoolMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	got := decoded.(ShareDifficulty)
	if got.Difficulty != diff {
		t.Fatalf("difficulty = %+v, want %+v", got.Difficulty, diff)
	}
}

func TestWeakBlockStateResetRoundTrip(t *testing.T) {
	buf := EncodePoolMessage(WeakBlockStateReset{})
	decoded, n, err := DecodePoolMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 1 {
		t.Fatalf("consumed %d, want 1", n)
	}
	if _, ok := decoded.(WeakBlockStateReset); !ok {
		t.Fatalf("decoded type %T, want WeakBlockStateReset", decoded)
	}
}

func TestWeakBlockActionsRoundTrip(t *testing.T) {
	w := WeakBlock{
		HeaderVersion: 1,
		SketchID:      10,
		PrevSketchID:  9,
		Actions: []WeakBlockAction{
			{Kind: ActionSkipN, N: 3},
			{Kind: ActionInclude},
			{Kind: ActionNewTx, Tx: []byte{0xaa, 0xbb}},
		},
	}
	buf := EncodePoolMessage(w)
	decoded, n, err := DecodePoolMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	got := decoded.(WeakBlock)
	if len(got.Actions) != 3 {
		t.Fatalf("actions len = %d, want 3", len(got.Actions))
	}
	if got.Actions[0].N != 3 {
		t.Fatalf("actions[0].N = %d, want 3", got.Actions[0].N)
	}
	if !bytes.Equal(got.Actions[2].Tx, []byte{0xaa, 0xbb}) {
		t.Fatalf("actions[2].Tx = %x, want aabb", got.Actions[2].Tx)
	}
}

func TestPayoutInfoRequestRoundTrip(t *testing.T) {
	req := PayoutInfoRequest{UserID: []byte("1BitcoinEaterAddressDontSendf59kuE")}
	buf := EncodePoolMessage(req)
	decoded, n, err := DecodePoolMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	got, ok := decoded.(PayoutInfoRequest)
	if !ok {
		t.Fatalf("decoded type %T, want PayoutInfoRequest", decoded)
	}
	if !bytes.Equal(got.UserID, req.UserID) {
		t.Fatalf("UserID = %q, want %q", got.UserID, req.UserID)
	}
}
