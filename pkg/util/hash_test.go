package util

import (
	"encoding/hex"
	"testing"
)

func TestDoubleSHA256(t *testing.T) {
	// Known Bitcoin double-SHA256 of "hello"
	data := []byte("hello")
	hash := DoubleSHA256(data)
	got := hex.EncodeToString(hash[:])
	expected := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"
	if got != expected {
		t.Errorf("DoubleSHA256(\"hello\") = %s, want %s", got, expected)
	}
}

func TestReverseBytes(t *testing.T) {
	input := []byte{0x01, 0x02, 0x03, 0x04}
	result := ReverseBytes(input)
	expected := []byte{0x04, 0x03, 0x02, 0x01}
	for i := range result {
		if result[i] != expected[i] {
			t.Errorf("ReverseBytes byte %d = %x, want %x", i, result[i], expected[i])
		}
	}
	// Original should not be modified
	if input[0] != 0x01 {
		t.Error("ReverseBytes modified original slice")
	}
}

func TestHashToHexRoundTrip(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}
	got, err := HexToHash(HashToHex(h))
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	if got != h {
		t.Fatalf("round trip = %x, want %x", got, h)
	}
}

func TestHexToHashRejectsWrongLength(t *testing.T) {
	if _, err := HexToHash("deadbeef"); err == nil {
		t.Fatal("expected error for short hash")
	}
}
