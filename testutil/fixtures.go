package testutil

import (
	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/btcsuite/btcd/btcec/v2"
)

// SampleBlockTemplate returns a minimal block template for testing,
// with a target whose only non-zero byte is the least significant one
// (0xff) and a 50 BTC coinbase remainder.
func SampleBlockTemplate() *types.BlockTemplate {
	return &types.BlockTemplate{
		TemplateID:             1,
		Target:                 [32]byte{0xff},
		HeaderVersion:          536870912,
		HeaderPrevBlock:        HashFromHex("0000000000000003fa0d845513ea5014a7859d411f5f4a91eaab24eb47a18f"),
		HeaderTime:             1700000000,
		HeaderNBits:            0x1d00ffff,
		CoinbaseValueRemaining: 5_000_000_000,
		CoinbaseVersion:        1,
		CoinbaseInputSequence:  0xffffffff,
	}
}

// GenerateKeyPair returns a fresh secp256k1 key pair for signing tests.
func GenerateKeyPair() (*sig.PrivateKey, *sig.PublicKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return priv, priv.PubKey(), nil
}
