package wire

import "github.com/blockrelay/mining-proxy/internal/types"

// Pool protocol tag bytes.
const (
	TagPoolProtocolSupport     = 0x01
	TagPoolProtocolVersion     = 0x02
	TagPoolPayoutInfo          = 0x03
	TagPoolShareDifficulty     = 0x04
	TagPoolShare               = 0x05
	TagPoolWeakBlock           = 0x06
	TagPoolWeakBlockStateReset = 0x07

	// TagPoolPayoutInfoRequest is not part of the core proxy-facing
	// protocol table; it is a sample-pool-only extension a connecting
	// client uses to identify itself before the pool will issue
	// PayoutInfo/ShareDifficulty. See internal/samplepool.
	TagPoolPayoutInfoRequest = 0x08
)

// PoolMessage is implemented by every variant of the pool wire
// protocol.
type PoolMessage interface {
	poolTag() byte
}

func (ProtocolSupport) poolTag() byte { return TagPoolProtocolSupport }
func (ProtocolVersion) poolTag() byte { return TagPoolProtocolVersion }

// PoolPayoutInfo carries a signed payout policy update.
type PoolPayoutInfo struct {
	Signature [64]byte
	Info      types.PoolPayoutInfo
}

func (*PoolPayoutInfo) poolTag() byte { return TagPoolPayoutInfo }

func (m *PoolPayoutInfo) EncodeUnsigned() []byte {
	return encodePoolPayoutInfoUnsigned(&m.Info)
}

// ShareDifficulty carries the pool's (unsigned) target pair.
type ShareDifficulty struct {
	Difficulty types.PoolDifficulty
}

func (ShareDifficulty) poolTag() byte { return TagPoolShareDifficulty }

// Share is the (unsigned) share submission sent to a pool.
type Share struct {
	Share types.PoolShare
}

func (Share) poolTag() byte { return TagPoolShare }

// WeakBlockAction is one packed 2-bit action in a WeakBlock sketch.
// Semantics of sketch chaining (SketchID/PrevSketchID) are declared on
// the wire only; this repo does not interpret them.
type WeakBlockAction struct {
	Kind WeakBlockActionKind
	N    byte   // valid for ActionSkipN
	Tx   []byte // valid for ActionNewTx
}

// WeakBlockActionKind enumerates the 2-bit packed action codes.
type WeakBlockActionKind byte

const (
	ActionSkipN   WeakBlockActionKind = 0b01
	ActionInclude WeakBlockActionKind = 0b10
	ActionNewTx   WeakBlockActionKind = 0b11
)

// WeakBlock is the compressed block sketch submitted at a
// lighter-than-network target. Reconstruction beyond the wire shape is
// out of scope.
type WeakBlock struct {
	HeaderVersion   uint32
	HeaderPrevBlock [32]byte
	HeaderTime      uint32
	HeaderNBits     uint32
	HeaderNonce     uint32
	SketchID        uint64
	PrevSketchID    uint64
	Actions         []WeakBlockAction
}

func (WeakBlock) poolTag() byte { return TagPoolWeakBlock }

// WeakBlockStateReset clears a pool handler's last-weak-block state.
type WeakBlockStateReset struct{}

func (WeakBlockStateReset) poolTag() byte { return TagPoolWeakBlockStateReset }

// PayoutInfoRequest is the sample-pool extension message a connecting
// client sends to identify the address it should be paid at. UserID
// holds the address as ASCII bytes.
type PayoutInfoRequest struct {
	UserID []byte
}

func (PayoutInfoRequest) poolTag() byte { return TagPoolPayoutInfoRequest }

func encodePayoutInfoRequest(m PayoutInfoRequest) []byte {
	e := &encoder{}
	e.boundedU8(m.UserID)
	return e.bytes()
}

func decodePayoutInfoRequest(buf []byte) (PayoutInfoRequest, int, error) {
	d := newDecoder(buf)
	var m PayoutInfoRequest
	m.UserID = d.boundedBytesU8(255)
	consumed, err := d.finish()
	return m, consumed, err
}

func encodePoolPayoutInfoUnsigned(p *types.PoolPayoutInfo) []byte {
	e := &encoder{}
	e.u64(p.Timestamp)
	e.u16(p.SelfPayoutRatioPer1000)
	e.boundedU8(p.CoinbasePostfix)
	e.boundedU16(p.RemainingPayout)
	e.u8(byte(len(p.AppendedOutputs)))
	for _, out := range p.AppendedOutputs {
		e.u64(out.Value)
		e.boundedU16(out.ScriptPubKey)
	}
	return e.bytes()
}

func decodePoolPayoutInfoUnsigned(buf []byte) (*types.PoolPayoutInfo, int, error) {
	d := newDecoder(buf)
	p := &types.PoolPayoutInfo{}
	p.Timestamp = d.u64()
	p.SelfPayoutRatioPer1000 = d.u16()
	if d.err == nil && p.SelfPayoutRatioPer1000 > types.MaxSelfPayoutRatio {
		d.fail(protoErrf("self_payout_ratio_per_1000 %d exceeds maximum %d", p.SelfPayoutRatioPer1000, types.MaxSelfPayoutRatio))
	}
	p.CoinbasePostfix = d.boundedBytesU8(types.MaxCoinbasePrefixLen)
	p.RemainingPayout = d.boundedBytesU16()
	outCount := int(d.u8())
	if d.err == nil {
		p.AppendedOutputs = make([]types.TxOut, outCount)
		for i := 0; i < outCount; i++ {
			v := d.u64()
			script := d.boundedBytesU16()
			p.AppendedOutputs[i] = types.TxOut{Value: v, ScriptPubKey: script}
		}
	}
	consumed, err := d.finish()
	if err != nil {
		return nil, 0, err
	}
	return p, consumed, nil
}

func encodeShareDifficulty(m ShareDifficulty) []byte {
	e := &encoder{}
	e.hash32(m.Difficulty.ShareTarget)
	e.hash32(m.Difficulty.WeakBlockTarget)
	return e.bytes()
}

func decodeShareDifficulty(buf []byte) (ShareDifficulty, int, error) {
	d := newDecoder(buf)
	var m ShareDifficulty
	m.Difficulty.ShareTarget = d.hash32()
	m.Difficulty.WeakBlockTarget = d.hash32()
	consumed, err := d.finish()
	return m, consumed, err
}

func encodePoolShare(s *types.PoolShare) []byte {
	e := &encoder{}
	e.u32(s.HeaderVersion)
	e.hash32(s.HeaderPrevBlock)
	e.u32(s.HeaderTime)
	e.u32(s.HeaderNBits)
	e.u32(s.HeaderNonce)
	e.u8(byte(len(s.MerkleRHSS)))
	for _, h := range s.MerkleRHSS {
		e.hash32(h)
	}
	e.boundedU32(s.CoinbaseTx)
	return e.bytes()
}

func decodePoolShare(buf []byte) (*types.PoolShare, int, error) {
	d := newDecoder(buf)
	s := &types.PoolShare{}
	s.HeaderVersion = d.u32()
	s.HeaderPrevBlock = d.hash32()
	s.HeaderTime = d.u32()
	s.HeaderNBits = d.u32()
	s.HeaderNonce = d.u32()
	n := int(d.u8())
	if d.err == nil && n > types.MaxMerkleRHSS {
		d.fail(protoErrf("merkle_rhss_len %d exceeds maximum %d", n, types.MaxMerkleRHSS))
	}
	if d.err == nil {
		s.MerkleRHSS = make([][32]byte, n)
		for i := 0; i < n; i++ {
			s.MerkleRHSS[i] = d.hash32()
		}
	}
	s.CoinbaseTx = d.boundedBytesU32()
	consumed, err := d.finish()
	if err != nil {
		return nil, 0, err
	}
	return s, consumed, nil
}

func encodeWeakBlockActions(actions []WeakBlockAction) []byte {
	e := &encoder{}
	e.u32(uint32(len(actions)))
	var packed byte
	var nbits uint
	flush := func() {
		if nbits > 0 {
			e.u8(packed)
			packed, nbits = 0, 0
		}
	}
	for _, a := range actions {
		packed |= byte(a.Kind) << nbits
		nbits += 2
		if nbits == 8 {
			flush()
		}
	}
	flush()
	for _, a := range actions {
		switch a.Kind {
		case ActionSkipN:
			e.u8(a.N)
		case ActionNewTx:
			e.boundedU32(a.Tx)
		}
	}
	return e.bytes()
}

func decodeWeakBlockActions(d *decoder) []WeakBlockAction {
	count := int(d.u32())
	if d.err != nil || count == 0 {
		return nil
	}
	kinds := make([]WeakBlockActionKind, count)
	var packed byte
	var nbits uint
	for i := 0; i < count; i++ {
		if nbits == 0 {
			packed = d.u8()
			nbits = 8
			if d.err != nil {
				return nil
			}
		}
		kinds[i] = WeakBlockActionKind(packed & 0b11)
		packed >>= 2
		nbits -= 2
	}
	actions := make([]WeakBlockAction, count)
	for i, k := range kinds {
		a := WeakBlockAction{Kind: k}
		switch k {
		case ActionSkipN:
			a.N = d.u8()
		case ActionNewTx:
			a.Tx = d.boundedBytesU32()
		}
		if d.err != nil {
			return nil
		}
		actions[i] = a
	}
	return actions
}

func encodeWeakBlock(w *WeakBlock) []byte {
	e := &encoder{}
	e.u32(w.HeaderVersion)
	e.hash32(w.HeaderPrevBlock)
	e.u32(w.HeaderTime)
	e.u32(w.HeaderNBits)
	e.u32(w.HeaderNonce)
	e.u64(w.SketchID)
	e.u64(w.PrevSketchID)
	e.raw(encodeWeakBlockActions(w.Actions))
	return e.bytes()
}

func decodeWeakBlock(buf []byte) (*WeakBlock, int, error) {
	d := newDecoder(buf)
	w := &WeakBlock{}
	w.HeaderVersion = d.u32()
	w.HeaderPrevBlock = d.hash32()
	w.HeaderTime = d.u32()
	w.HeaderNBits = d.u32()
	w.HeaderNonce = d.u32()
	w.SketchID = d.u64()
	w.PrevSketchID = d.u64()
	w.Actions = decodeWeakBlockActions(d)
	consumed, err := d.finish()
	if err != nil {
		return nil, 0, err
	}
	return w, consumed, nil
}

// EncodePoolMessage serializes a full tagged pool message.
func EncodePoolMessage(msg PoolMessage) []byte {
	switch m := msg.(type) {
	case ProtocolSupport:
		return append([]byte{TagPoolProtocolSupport}, encodeProtocolSupport(m)...)
	case ProtocolVersion:
		return append([]byte{TagPoolProtocolVersion}, encodeProtocolVersion(m)...)
	case *PoolPayoutInfo:
		out := append([]byte{TagPoolPayoutInfo}, m.Signature[:]...)
		return append(out, m.EncodeUnsigned()...)
	case ShareDifficulty:
		return append([]byte{TagPoolShareDifficulty}, encodeShareDifficulty(m)...)
	case Share:
		return append([]byte{TagPoolShare}, encodePoolShare(&m.Share)...)
	case WeakBlock:
		return append([]byte{TagPoolWeakBlock}, encodeWeakBlock(&m)...)
	case WeakBlockStateReset:
		return []byte{TagPoolWeakBlockStateReset}
	case PayoutInfoRequest:
		return append([]byte{TagPoolPayoutInfoRequest}, encodePayoutInfoRequest(m)...)
	default:
		panic("wire: unknown PoolMessage variant")
	}
}

// DecodePoolMessage decodes exactly one tagged message from the front
// of buf, with the same NeedMore/ProtocolError contract as
// DecodeWorkMessage.
func DecodePoolMessage(buf []byte) (msg PoolMessage, consumed int, err error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMore
	}
	tag := buf[0]
	body := buf[1:]

	switch tag {
	case TagPoolProtocolSupport:
		m, n, err := decodeProtocolSupport(body)
		if err != nil {
			return nil, 0, err
		}
		return m, n + 1, nil
	case TagPoolProtocolVersion:
		m, n, err := decodeProtocolVersion(body)
		if err != nil {
			return nil, 0, err
		}
		return m, n + 1, nil
	case TagPoolPayoutInfo:
		if len(body) < 64 {
			return nil, 0, ErrNeedMore
		}
		var sig [64]byte
		copy(sig[:], body[:64])
		info, n, err := decodePoolPayoutInfoUnsigned(body[64:])
		if err != nil {
			return nil, 0, err
		}
		return &PoolPayoutInfo{Signature: sig, Info: *info}, n + 64 + 1, nil
	case TagPoolShareDifficulty:
		m, n, err := decodeShareDifficulty(body)
		if err != nil {
			return nil, 0, err
		}
		return m, n + 1, nil
	case TagPoolShare:
		s, n, err := decodePoolShare(body)
		if err != nil {
			return nil, 0, err
		}
		return Share{Share: *s}, n + 1, nil
	case TagPoolWeakBlock:
		w, n, err := decodeWeakBlock(body)
		if err != nil {
			return nil, 0, err
		}
		return *w, n + 1, nil
	case TagPoolWeakBlockStateReset:
		return WeakBlockStateReset{}, 1, nil
	case TagPoolPayoutInfoRequest:
		m, n, err := decodePayoutInfoRequest(body)
		if err != nil {
			return nil, 0, err
		}
		return m, n + 1, nil
	default:
		return nil, 0, protoErrf("unknown pool message tag 0x%02x", tag)
	}
}
