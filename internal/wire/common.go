// Package wire implements the signed, length-delimited binary framing
// used between the proxy and its upstream job providers and pools.
package wire

import (
	"errors"
	"fmt"

	"github.com/blockrelay/mining-proxy/pkg/bytesutil"
)

// ErrNeedMore is returned by decode functions when the buffer does not
// yet contain a complete message. Callers must not discard the buffer;
// more bytes are expected to arrive.
var ErrNeedMore = errors.New("wire: need more data")

// ProtocolError reports a fatal framing violation: an undeclared tag
// byte, a length field exceeding its declared maximum, or a malformed
// payload. The connection holding this error must be closed; the
// maintainer will reconnect after its backoff period.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol violation: %s", e.Reason)
}

func protoErrf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ProtocolErrorf builds a *ProtocolError for use outside this package,
// e.g. by handlers rejecting an unexpected inbound variant or a failed
// signature check.
func ProtocolErrorf(format string, args ...any) *ProtocolError {
	return protoErrf(format, args...)
}

// decoder reads fixed and bounded-length fields from a buffer without
// advancing the caller's view of it until the whole message is known to
// be present. The first failure (need-more or protocol violation) is
// latched in err; all further reads become no-ops, mirroring the
// original framer's get_slice!/advance_bytes! short-circuit style.
type decoder struct {
	buf []byte
	pos int
	err error
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.buf) {
		d.fail(ErrNeedMore)
		return false
	}
	return true
}

func (d *decoder) u8() byte {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v, _ := bytesutil.ReadUint16LE(d.buf[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v, _ := bytesutil.ReadUint32LE(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v, _ := bytesutil.ReadUint64LE(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) hash32() [32]byte {
	var h [32]byte
	if !d.need(32) {
		return h
	}
	copy(h[:], d.buf[d.pos:d.pos+32])
	d.pos += 32
	return h
}

func (d *decoder) bytesN(n int) []byte {
	if !d.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out
}

// boundedBytesU8 reads a u8 length prefix (capped at max) followed by
// that many bytes.
func (d *decoder) boundedBytesU8(max int) []byte {
	n := int(d.u8())
	if d.err != nil {
		return nil
	}
	if n > max {
		d.fail(protoErrf("length %d exceeds maximum %d", n, max))
		return nil
	}
	return d.bytesN(n)
}

// boundedBytesU16 reads a u16 length prefix followed by that many
// bytes. Used for scriptPubKey fields, which have no documented
// maximum beyond fitting a u16.
func (d *decoder) boundedBytesU16() []byte {
	n := int(d.u16())
	if d.err != nil {
		return nil
	}
	return d.bytesN(n)
}

// boundedBytesU32 reads a u32 length prefix followed by that many
// bytes. Used for serialized transactions.
func (d *decoder) boundedBytesU32() []byte {
	n := int(d.u32())
	if d.err != nil {
		return nil
	}
	return d.bytesN(n)
}

// finish returns the number of bytes consumed and any latched error.
func (d *decoder) finish() (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	return d.pos, nil
}

// encoder appends fields to a growing byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v byte) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = bytesutil.PutUint16LE(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = bytesutil.PutUint32LE(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = bytesutil.PutUint64LE(e.buf, v)
}

func (e *encoder) hash32(h [32]byte) {
	e.buf = append(e.buf, h[:]...)
}

func (e *encoder) raw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) boundedU8(b []byte) {
	e.u8(byte(len(b)))
	e.raw(b)
}

func (e *encoder) boundedU16(b []byte) {
	e.u16(uint16(len(b)))
	e.raw(b)
}

func (e *encoder) boundedU32(b []byte) {
	e.u32(uint32(len(b)))
	e.raw(b)
}

func (e *encoder) bytes() []byte {
	return e.buf
}
