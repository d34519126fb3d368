// Package bytesutil provides the little-endian primitive encode/decode
// helpers and 256-bit target comparisons shared by the wire framing and
// merge engine.
package bytesutil

import "encoding/binary"

// PutUint16LE appends v to dst in little-endian order.
func PutUint16LE(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

// PutUint32LE appends v to dst in little-endian order.
func PutUint32LE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// PutUint64LE appends v to dst in little-endian order.
func PutUint64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// ReadUint16LE reads a little-endian u16 from the front of b. Returns
// false if b is too short.
func ReadUint16LE(b []byte) (uint16, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

// ReadUint32LE reads a little-endian u32 from the front of b. Returns
// false if b is too short.
func ReadUint32LE(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// ReadUint64LE reads a little-endian u64 from the front of b. Returns
// false if b is too short.
func ReadUint64LE(b []byte) (uint64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// CompareLE256 compares two 32-byte arrays as unsigned 256-bit integers
// in little-endian order (byte 0 is least significant), matching the
// on-the-wire representation of a target. Returns -1, 0, or 1.
func CompareLE256(a, b [32]byte) int {
	for i := 31; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// MinLE256 returns the lexicographically smaller of a and b under
// CompareLE256.
func MinLE256(a, b [32]byte) [32]byte {
	if CompareLE256(a, b) <= 0 {
		return a
	}
	return b
}

// MeetsTargetLE256 reports whether hash <= target under CompareLE256,
// i.e. whether hash meets target.
func MeetsTargetLE256(hash, target [32]byte) bool {
	return CompareLE256(hash, target) <= 0
}
