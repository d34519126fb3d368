package types

import "testing"

func TestBlockTemplateCloneIsDeep(t *testing.T) {
	orig := &BlockTemplate{
		TemplateID:     1,
		MerkleRHSS:     [][32]byte{{1}, {2}},
		CoinbasePrefix: []byte{0xAA, 0xBB},
		AppendedCoinbaseOutputs: []TxOut{
			{Value: 100, ScriptPubKey: []byte{0x01}},
		},
	}
	clone := orig.Clone()

	clone.MerkleRHSS[0][0] = 0xFF
	clone.CoinbasePrefix[0] = 0xFF
	clone.AppendedCoinbaseOutputs[0].Value = 999

	if orig.MerkleRHSS[0][0] == 0xFF {
		t.Fatal("Clone shares MerkleRHSS backing array with original")
	}
	if orig.CoinbasePrefix[0] == 0xFF {
		t.Fatal("Clone shares CoinbasePrefix backing array with original")
	}
	if orig.AppendedCoinbaseOutputs[0].Value == 999 {
		t.Fatal("Clone shares AppendedCoinbaseOutputs backing array with original")
	}
}
