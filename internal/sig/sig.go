// Package sig implements the message authentication envelope shared by
// the Work and Pool protocols: ECDSA over SHA-256 of a type-tagged,
// unsigned payload encoding, in 64-byte compact r||s form.
package sig

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// PrivateKey wraps a secp256k1 private key used to sign outbound
// messages (the sample pool's auth key).
type PrivateKey = btcec.PrivateKey

// PublicKey wraps a secp256k1 public key used to verify inbound
// messages (a handler's pinned auth_key).
type PublicKey = btcec.PublicKey

// digest hashes the tag byte and the unsigned payload encoding
// together, preventing cross-type signature replay.
func digest(tag byte, payload []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{tag})
	h.Write(payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Sign produces a 64-byte compact (r||s) signature over
// SHA-256(tag || payload) using priv.
func Sign(priv *PrivateKey, tag byte, payload []byte) [64]byte {
	hash := digest(tag, payload)
	compact := ecdsa.SignCompact(priv, hash[:], true)
	// SignCompact prepends a one-byte recovery/header id ahead of the
	// 64-byte r||s pair; the wire format carries only r||s.
	var out [64]byte
	copy(out[:], compact[1:])
	return out
}

// Verify reports whether sig is a valid signature over
// SHA-256(tag || payload) under pub.
func Verify(pub *PublicKey, tag byte, payload []byte, sig [64]byte) bool {
	hash := digest(tag, payload)

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}
	signature := ecdsa.NewSignature(&r, &s)
	return signature.Verify(hash[:], pub)
}

// ParseCompressedPubKey decodes a 33-byte SEC1-compressed public key,
// as carried in ProtocolVersion.AuthKey.
func ParseCompressedPubKey(b [33]byte) (*PublicKey, error) {
	pub, err := btcec.ParsePubKey(b[:])
	if err != nil {
		return nil, fmt.Errorf("sig: parse compressed pubkey: %w", err)
	}
	return pub, nil
}

// CompressPubKey encodes pub as a 33-byte SEC1-compressed key.
func CompressPubKey(pub *PublicKey) [33]byte {
	var out [33]byte
	copy(out[:], pub.SerializeCompressed())
	return out
}

// ParseCompressedPrivKey decodes a base58check-encoded compressed WIF
// private key, as accepted by --auth_key on the sample pool. It rejects
// uncompressed WIFs, matching the original sample pool's behavior.
func ParseCompressedPrivKey(wifStr string) (*PrivateKey, error) {
	decoded, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("sig: decode auth_key WIF: %w", err)
	}
	if !decoded.CompressPubKey {
		return nil, fmt.Errorf("sig: auth_key must be a compressed WIF private key")
	}
	return decoded.PrivKey, nil
}

// MainNetParams is the chain params used to decode --payout_address
// values; this proxy targets mainnet addressing.
var MainNetParams = &chaincfg.MainNetParams
