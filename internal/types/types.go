// Package types holds the shared data model for the mining proxy: block
// templates, coinbase policy, payout/difficulty info, and the composite
// work unit handed to the downstream server.
package types

const (
	// MaxMerkleRHSS is the maximum number of Merkle right-hand-side
	// hashes a BlockTemplate may carry.
	MaxMerkleRHSS = 15
	// MaxCoinbasePrefixLen is the maximum length of a coinbase_prefix
	// or coinbase_prefix_postfix byte sequence.
	MaxCoinbasePrefixLen = 100
	// MaxCoinbaseOutputs is the maximum number of appended coinbase
	// outputs a BlockTemplate or PoolPayoutInfo may carry (fits u8).
	MaxCoinbaseOutputs = 255
	// MaxSelfPayoutRatio is the upper bound (inclusive) of
	// self_payout_ratio_per_1000.
	MaxSelfPayoutRatio = 1000
	// MaxSatoshis is the sanity ceiling on any single output value:
	// 21,000,000 BTC expressed in satoshis.
	MaxSatoshis = 21_000_000 * 100_000_000
)

// TxOut is a single coinbase output: a value in satoshis and a
// scriptPubKey.
type TxOut struct {
	Value        uint64
	ScriptPubKey []byte
}

// BlockTemplate is a candidate block shell plus coinbase construction
// hints, as pushed by a job provider.
type BlockTemplate struct {
	TemplateID uint64

	// Target is the full-block target, 32 bytes in on-the-wire
	// little-endian order (byte 0 least significant).
	Target [32]byte

	HeaderVersion   uint32
	HeaderPrevBlock [32]byte
	HeaderTime      uint32
	HeaderNBits     uint32

	// MerkleRHSS is the right-hand partners in the coinbase->root
	// Merkle path, length <= MaxMerkleRHSS.
	MerkleRHSS [][32]byte

	CoinbaseValueRemaining uint64
	CoinbaseVersion        uint32
	CoinbaseInputSequence  uint32
	CoinbaseLocktime       uint32

	// CoinbasePrefix has length <= MaxCoinbasePrefixLen.
	CoinbasePrefix []byte

	// AppendedCoinbaseOutputs has length fitting a u8.
	AppendedCoinbaseOutputs []TxOut
}

// Clone returns a deep copy of the template, since the merge engine
// mutates a working copy's prefix and outputs in place.
func (t *BlockTemplate) Clone() *BlockTemplate {
	out := *t
	out.MerkleRHSS = append([][32]byte(nil), t.MerkleRHSS...)
	out.CoinbasePrefix = append([]byte(nil), t.CoinbasePrefix...)
	out.AppendedCoinbaseOutputs = append([]TxOut(nil), t.AppendedCoinbaseOutputs...)
	return &out
}

// CoinbasePrefixPostfix is bytes to append to a template's
// CoinbasePrefix, monotonic by Timestamp within a provider.
type CoinbasePrefixPostfix struct {
	Timestamp             uint64
	CoinbasePrefixPostfix []byte
}

// TransactionData is the full transaction set for a template, fetched
// lazily after a BlockTemplate is accepted.
type TransactionData struct {
	TemplateID   uint64
	Transactions [][]byte
}

// WinningNonce is a candidate solution for a specific template.
type WinningNonce struct {
	TemplateID   uint64
	HeaderVersion uint32
	HeaderTime    uint32
	HeaderNonce   uint32
	CoinbaseTx    []byte
}

// PoolPayoutInfo is the pool's payout policy, monotonic by Timestamp.
type PoolPayoutInfo struct {
	Timestamp                uint64
	SelfPayoutRatioPer1000   uint16
	CoinbasePostfix          []byte
	RemainingPayout          []byte // scriptPubKey
	AppendedOutputs          []TxOut
}

// PoolDifficulty carries the pool's share and weak-block targets.
type PoolDifficulty struct {
	ShareTarget      [32]byte
	WeakBlockTarget  [32]byte
}

// PoolShare is the unsigned share submission sent to a pool when a
// solution meets its share target.
type PoolShare struct {
	HeaderVersion   uint32
	HeaderPrevBlock [32]byte
	HeaderTime      uint32
	HeaderNBits     uint32
	HeaderNonce     uint32
	MerkleRHSS      [][32]byte
	CoinbaseTx      []byte
}

// WorkInfo is the composite work unit produced by the merge engine and
// handed to the downstream server. Solutions is the channel the
// downstream server writes (WinningNonce, block hash) pairs into; the
// solution router owns its receive end.
type WorkInfo struct {
	Template  *BlockTemplate
	Solutions chan<- Solution
}

// Solution pairs a winning nonce with the resulting block hash, in the
// wire's little-endian byte order.
type Solution struct {
	Nonce     WinningNonce
	BlockHash [32]byte
}
