package sig

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func mustGenKey(t *testing.T) *PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestSignVerifyHappyPath(t *testing.T) {
	priv := mustGenKey(t)
	payload := []byte{0x01, 0x02, 0x03, 0x04}

	signature := Sign(priv, 3, payload)
	if !Verify(priv.PubKey(), 3, payload, signature) {
		t.Fatal("verify failed on an untampered signature")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	priv := mustGenKey(t)
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	signature := Sign(priv, 3, payload)

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xFF

	if Verify(priv.PubKey(), 3, tampered, signature) {
		t.Fatal("verify should reject a tampered payload")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv := mustGenKey(t)
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	signature := Sign(priv, 3, payload)
	signature[0] ^= 0xFF

	if Verify(priv.PubKey(), 3, payload, signature) {
		t.Fatal("verify should reject a tampered signature")
	}
}

func TestVerifyRejectsWrongTag(t *testing.T) {
	priv := mustGenKey(t)
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	signature := Sign(priv, 3, payload)

	if Verify(priv.PubKey(), 7, payload, signature) {
		t.Fatal("verify should reject a signature replayed under a different tag")
	}
}

func TestCompressPubKeyRoundTrip(t *testing.T) {
	priv := mustGenKey(t)
	compressed := CompressPubKey(priv.PubKey())

	pub, err := ParseCompressedPubKey(compressed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !pub.IsEqual(priv.PubKey()) {
		t.Fatal("round-tripped pubkey does not match original")
	}
}
