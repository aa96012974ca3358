package acas

import (
	"bytes"
	"testing"
)

func TestDeriveKcl_IsDeterministic(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x01}, MasterKeySize)
	a0init := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	a0response := []byte{8, 7, 6, 5, 4, 3, 2, 1}

	a := deriveKcl(masterKey, a0init, a0response)
	b := deriveKcl(masterKey, a0init, a0response)
	if a != b {
		t.Fatalf("deriveKcl must be deterministic for identical inputs")
	}
}

func TestDeriveKcl_DiffersOnAnyInputChange(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x01}, MasterKeySize)
	a0init := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	a0response := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	base := deriveKcl(masterKey, a0init, a0response)

	otherKey := bytes.Repeat([]byte{0x02}, MasterKeySize)
	if deriveKcl(otherKey, a0init, a0response) == base {
		t.Fatalf("changing masterKey must change kcl")
	}

	otherInit := []byte{1, 2, 3, 4, 5, 6, 7, 9}
	if deriveKcl(masterKey, otherInit, a0response) == base {
		t.Fatalf("changing a0init must change kcl")
	}

	otherResponse := []byte{0, 7, 6, 5, 4, 3, 2, 1}
	if deriveKcl(masterKey, a0init, otherResponse) == base {
		t.Fatalf("changing a0response must change kcl")
	}
}

func TestA0AuthTag_MatchesManualConcat(t *testing.T) {
	kcl := bytes.Repeat([]byte{0xAA}, KclSize)
	a0init := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	tag := a0AuthTag(kcl, a0init)
	want := sha256Concat(kcl, a0init)
	if tag != want {
		t.Fatalf("a0AuthTag = %x, want %x", tag, want)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := append([]byte(nil), a...)
	if !constantTimeEqual(a, b) {
		t.Fatalf("expected equal slices to compare equal")
	}
	c := []byte{1, 2, 3, 5}
	if constantTimeEqual(a, c) {
		t.Fatalf("expected differing slices to compare unequal")
	}
	if constantTimeEqual(a, []byte{1, 2, 3}) {
		t.Fatalf("expected differing lengths to compare unequal")
	}
}

func TestDeriveControlWords_SplitsOddEven(t *testing.T) {
	kcl := bytes.Repeat([]byte{0x03}, KclSize)
	ecmInit := bytes.Repeat([]byte{0x04}, EcmInitSize)
	ecmResponse := bytes.Repeat([]byte{0x00}, 32)

	odd, even := deriveControlWords(kcl, ecmInit, ecmResponse)

	// With an all-zero ecmResponse, XOR is a no-op: odd/even are exactly
	// the two halves of SHA256(kcl ‖ ecmInit).
	h := sha256Concat(kcl, ecmInit)
	var wantOdd, wantEven [CwHalfSize]byte
	copy(wantOdd[:], h[:CwHalfSize])
	copy(wantEven[:], h[CwHalfSize:])

	if odd != wantOdd {
		t.Fatalf("odd = %x, want %x", odd, wantOdd)
	}
	if even != wantEven {
		t.Fatalf("even = %x, want %x", even, wantEven)
	}
	if odd == even {
		t.Fatalf("odd and even halves should not coincide for this hash")
	}
}

func TestDeriveControlWords_XorsEcmResponse(t *testing.T) {
	kcl := bytes.Repeat([]byte{0x03}, KclSize)
	ecmInit := bytes.Repeat([]byte{0x04}, EcmInitSize)
	zeroResponse := bytes.Repeat([]byte{0x00}, 32)
	onesResponse := bytes.Repeat([]byte{0xFF}, 32)

	oddZero, evenZero := deriveControlWords(kcl, ecmInit, zeroResponse)
	oddOnes, evenOnes := deriveControlWords(kcl, ecmInit, onesResponse)

	for i := range oddZero {
		if oddOnes[i] != ^oddZero[i] {
			t.Fatalf("expected flipping ecmResponse bits to flip the control word bits at index %d", i)
		}
	}
	if evenZero == evenOnes {
		t.Fatalf("expected even half to change when ecmResponse changes")
	}
}
