package wire

import "github.com/blockrelay/mining-proxy/internal/types"

// Work protocol tag bytes (job-provider connections).
const (
	TagWorkProtocolSupport        = 0x01
	TagWorkProtocolVersion        = 0x02
	TagWorkBlockTemplate          = 0x03
	TagWorkWinningNonce           = 0x04
	TagWorkTransactionDataRequest = 0x05
	TagWorkTransactionData        = 0x06
	TagWorkCoinbasePrefixPostfix  = 0x07
)

// WorkMessage is implemented by every variant of the job-provider wire
// protocol.
type WorkMessage interface {
	workTag() byte
}

// ProtocolSupport announces the sender's supported protocol version
// range and capability flags. Sent by the connecting client on connect;
// the server answers with ProtocolVersion.
type ProtocolSupport struct {
	Max   uint16
	Min   uint16
	Flags uint16
}

func (ProtocolSupport) workTag() byte { return TagWorkProtocolSupport }

// ProtocolVersion selects a protocol version and carries the sender's
// authentication public key.
type ProtocolVersion struct {
	Selected uint16
	AuthKey  [33]byte
}

func (ProtocolVersion) workTag() byte { return TagWorkProtocolVersion }

// WorkBlockTemplate carries a signed BlockTemplate push.
type WorkBlockTemplate struct {
	Signature [64]byte
	Template  types.BlockTemplate
}

func (*WorkBlockTemplate) workTag() byte { return TagWorkBlockTemplate }

// EncodeUnsigned returns the byte-identical encoding signed by the
// sender and re-derived by the verifier.
func (m *WorkBlockTemplate) EncodeUnsigned() []byte {
	return encodeBlockTemplateUnsigned(&m.Template)
}

// WorkWinningNonce is the (unsigned) candidate solution submitted
// upstream when it meets the template's full-block target.
type WorkWinningNonce struct {
	Nonce types.WinningNonce
}

func (WorkWinningNonce) workTag() byte { return TagWorkWinningNonce }

// TransactionDataRequest asks the job provider for the full
// transaction set of a previously announced template.
type TransactionDataRequest struct {
	TemplateID uint64
}

func (TransactionDataRequest) workTag() byte { return TagWorkTransactionDataRequest }

// WorkTransactionData carries the signed transaction set fulfilling a
// TransactionDataRequest.
type WorkTransactionData struct {
	Signature [64]byte
	Data      types.TransactionData
}

func (*WorkTransactionData) workTag() byte { return TagWorkTransactionData }

func (m *WorkTransactionData) EncodeUnsigned() []byte {
	return encodeTransactionDataUnsigned(&m.Data)
}

// WorkCoinbasePrefixPostfix carries a signed update to the coinbase
// prefix postfix.
type WorkCoinbasePrefixPostfix struct {
	Signature [64]byte
	Postfix   types.CoinbasePrefixPostfix
}

func (*WorkCoinbasePrefixPostfix) workTag() byte { return TagWorkCoinbasePrefixPostfix }

func (m *WorkCoinbasePrefixPostfix) EncodeUnsigned() []byte {
	return encodeCoinbasePrefixPostfixUnsigned(&m.Postfix)
}

func encodeBlockTemplateUnsigned(t *types.BlockTemplate) []byte {
	e := &encoder{}
	e.u64(t.TemplateID)
	e.hash32(t.Target)
	e.u32(t.HeaderVersion)
	e.hash32(t.HeaderPrevBlock)
	e.u32(t.HeaderTime)
	e.u32(t.HeaderNBits)
	e.u8(byte(len(t.MerkleRHSS)))
	for _, h := range t.MerkleRHSS {
		e.hash32(h)
	}
	e.u64(t.CoinbaseValueRemaining)
	e.u32(t.CoinbaseVersion)
	e.boundedU8(t.CoinbasePrefix)
	e.u32(t.CoinbaseInputSequence)
	e.u8(byte(len(t.AppendedCoinbaseOutputs)))
	for _, out := range t.AppendedCoinbaseOutputs {
		e.u64(out.Value)
		e.boundedU16(out.ScriptPubKey)
	}
	e.u32(t.CoinbaseLocktime)
	return e.bytes()
}

func decodeBlockTemplateUnsigned(buf []byte) (*types.BlockTemplate, int, error) {
	d := newDecoder(buf)
	t := &types.BlockTemplate{}
	t.TemplateID = d.u64()
	t.Target = d.hash32()
	t.HeaderVersion = d.u32()
	t.HeaderPrevBlock = d.hash32()
	t.HeaderTime = d.u32()
	t.HeaderNBits = d.u32()

	n := int(d.u8())
	if d.err == nil && n > types.MaxMerkleRHSS {
		d.fail(protoErrf("merkle_rhss_len %d exceeds maximum %d", n, types.MaxMerkleRHSS))
	}
	if d.err == nil {
		t.MerkleRHSS = make([][32]byte, n)
		for i := 0; i < n; i++ {
			t.MerkleRHSS[i] = d.hash32()
		}
	}

	t.CoinbaseValueRemaining = d.u64()
	t.CoinbaseVersion = d.u32()
	t.CoinbasePrefix = d.boundedBytesU8(types.MaxCoinbasePrefixLen)
	t.CoinbaseInputSequence = d.u32()

	outCount := int(d.u8())
	if d.err == nil {
		t.AppendedCoinbaseOutputs = make([]types.TxOut, outCount)
		for i := 0; i < outCount; i++ {
			v := d.u64()
			script := d.boundedBytesU16()
			t.AppendedCoinbaseOutputs[i] = types.TxOut{Value: v, ScriptPubKey: script}
		}
	}

	t.CoinbaseLocktime = d.u32()

	consumed, err := d.finish()
	if err != nil {
		return nil, 0, err
	}
	return t, consumed, nil
}

func encodeTransactionDataUnsigned(data *types.TransactionData) []byte {
	e := &encoder{}
	e.u64(data.TemplateID)
	e.u32(uint32(len(data.Transactions)))
	for _, tx := range data.Transactions {
		e.boundedU32(tx)
	}
	return e.bytes()
}

func decodeTransactionDataUnsigned(buf []byte) (*types.TransactionData, int, error) {
	d := newDecoder(buf)
	data := &types.TransactionData{}
	data.TemplateID = d.u64()
	count := int(d.u32())
	if d.err == nil {
		data.Transactions = make([][]byte, count)
		for i := 0; i < count; i++ {
			data.Transactions[i] = d.boundedBytesU32()
		}
	}
	consumed, err := d.finish()
	if err != nil {
		return nil, 0, err
	}
	return data, consumed, nil
}

func encodeCoinbasePrefixPostfixUnsigned(p *types.CoinbasePrefixPostfix) []byte {
	e := &encoder{}
	e.u64(p.Timestamp)
	e.boundedU8(p.CoinbasePrefixPostfix)
	return e.bytes()
}

func decodeCoinbasePrefixPostfixUnsigned(buf []byte) (*types.CoinbasePrefixPostfix, int, error) {
	d := newDecoder(buf)
	p := &types.CoinbasePrefixPostfix{}
	p.Timestamp = d.u64()
	p.CoinbasePrefixPostfix = d.boundedBytesU8(types.MaxCoinbasePrefixLen)
	consumed, err := d.finish()
	if err != nil {
		return nil, 0, err
	}
	return p, consumed, nil
}

func encodeWinningNonceUnsigned(n *types.WinningNonce) []byte {
	e := &encoder{}
	e.u64(n.TemplateID)
	e.u32(n.HeaderVersion)
	e.u32(n.HeaderTime)
	e.u32(n.HeaderNonce)
	e.boundedU32(n.CoinbaseTx)
	return e.bytes()
}

func decodeWinningNonceUnsigned(buf []byte) (*types.WinningNonce, int, error) {
	d := newDecoder(buf)
	n := &types.WinningNonce{}
	n.TemplateID = d.u64()
	n.HeaderVersion = d.u32()
	n.HeaderTime = d.u32()
	n.HeaderNonce = d.u32()
	n.CoinbaseTx = d.boundedBytesU32()
	consumed, err := d.finish()
	if err != nil {
		return nil, 0, err
	}
	return n, consumed, nil
}

func encodeProtocolSupport(m ProtocolSupport) []byte {
	e := &encoder{}
	e.u16(m.Max)
	e.u16(m.Min)
	e.u16(m.Flags)
	return e.bytes()
}

func decodeProtocolSupport(buf []byte) (ProtocolSupport, int, error) {
	d := newDecoder(buf)
	m := ProtocolSupport{Max: d.u16(), Min: d.u16(), Flags: d.u16()}
	consumed, err := d.finish()
	return m, consumed, err
}

func encodeProtocolVersion(m ProtocolVersion) []byte {
	e := &encoder{}
	e.u16(m.Selected)
	e.raw(m.AuthKey[:])
	return e.bytes()
}

func decodeProtocolVersion(buf []byte) (ProtocolVersion, int, error) {
	d := newDecoder(buf)
	var m ProtocolVersion
	m.Selected = d.u16()
	copy(m.AuthKey[:], d.bytesN(33))
	consumed, err := d.finish()
	return m, consumed, err
}

// EncodeWorkMessage serializes a full tagged message, including
// signature bytes for signed variants, ready to write to the wire.
func EncodeWorkMessage(msg WorkMessage) []byte {
	switch m := msg.(type) {
	case ProtocolSupport:
		return append([]byte{TagWorkProtocolSupport}, encodeProtocolSupport(m)...)
	case ProtocolVersion:
		return append([]byte{TagWorkProtocolVersion}, encodeProtocolVersion(m)...)
	case *WorkBlockTemplate:
		out := append([]byte{TagWorkBlockTemplate}, m.Signature[:]...)
		return append(out, m.EncodeUnsigned()...)
	case WorkWinningNonce:
		return append([]byte{TagWorkWinningNonce}, encodeWinningNonceUnsigned(&m.Nonce)...)
	case TransactionDataRequest:
		e := &encoder{}
		e.u64(m.TemplateID)
		return append([]byte{TagWorkTransactionDataRequest}, e.bytes()...)
	case *WorkTransactionData:
		out := append([]byte{TagWorkTransactionData}, m.Signature[:]...)
		return append(out, m.EncodeUnsigned()...)
	case *WorkCoinbasePrefixPostfix:
		out := append([]byte{TagWorkCoinbasePrefixPostfix}, m.Signature[:]...)
		return append(out, m.EncodeUnsigned()...)
	default:
		panic("wire: unknown WorkMessage variant")
	}
}

// DecodeWorkMessage decodes exactly one tagged message from the front
// of buf. It returns ErrNeedMore if buf does not yet hold a complete
// message and never mutates buf in that case; it returns a
// *ProtocolError if the tag or a declared length is invalid.
func DecodeWorkMessage(buf []byte) (msg WorkMessage, consumed int, err error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMore
	}
	tag := buf[0]
	body := buf[1:]

	switch tag {
	case TagWorkProtocolSupport:
		m, n, err := decodeProtocolSupport(body)
		if err != nil {
			return nil, 0, err
		}
		return m, n + 1, nil
	case TagWorkProtocolVersion:
		m, n, err := decodeProtocolVersion(body)
		if err != nil {
			return nil, 0, err
		}
		return m, n + 1, nil
	case TagWorkBlockTemplate:
		return decodeSignedWork(body, func(b []byte) (any, int, error) { return decodeBlockTemplateUnsigned(b) },
			func(sig [64]byte, v any) WorkMessage {
				return &WorkBlockTemplate{Signature: sig, Template: *v.(*types.BlockTemplate)}
			})
	case TagWorkWinningNonce:
		n, consumedBody, err := decodeWinningNonceUnsigned(body)
		if err != nil {
			return nil, 0, err
		}
		return WorkWinningNonce{Nonce: *n}, consumedBody + 1, nil
	case TagWorkTransactionDataRequest:
		d := newDecoder(body)
		id := d.u64()
		n, err := d.finish()
		if err != nil {
			return nil, 0, err
		}
		return TransactionDataRequest{TemplateID: id}, n + 1, nil
	case TagWorkTransactionData:
		return decodeSignedWork(body, func(b []byte) (any, int, error) { return decodeTransactionDataUnsigned(b) },
			func(sig [64]byte, v any) WorkMessage {
				return &WorkTransactionData{Signature: sig, Data: *v.(*types.TransactionData)}
			})
	case TagWorkCoinbasePrefixPostfix:
		return decodeSignedWork(body, func(b []byte) (any, int, error) { return decodeCoinbasePrefixPostfixUnsigned(b) },
			func(sig [64]byte, v any) WorkMessage {
				return &WorkCoinbasePrefixPostfix{Signature: sig, Postfix: *v.(*types.CoinbasePrefixPostfix)}
			})
	default:
		return nil, 0, protoErrf("unknown work message tag 0x%02x", tag)
	}
}

// decodeSignedWork factors out the "64-byte signature then unsigned
// payload" shape shared by several work message variants.
func decodeSignedWork(body []byte, decodePayload func([]byte) (any, int, error), wrap func([64]byte, any) WorkMessage) (WorkMessage, int, error) {
	if len(body) < 64 {
		return nil, 0, ErrNeedMore
	}
	var sig [64]byte
	copy(sig[:], body[:64])
	payload, n, err := decodePayload(body[64:])
	if err != nil {
		return nil, 0, err
	}
	return wrap(sig, payload), n + 64 + 1, nil
}
