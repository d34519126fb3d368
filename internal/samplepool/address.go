package samplepool

import (
	"time"

	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// addressToScript decodes a base58/bech32 Bitcoin address into its
// scriptPubKey.
func addressToScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, sig.MainNetParams)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
