package acas

import (
	"crypto/sha256"
	"crypto/subtle"
)

// MasterKeySize, NonceSize and so on are the fixed lengths spec.md §3
// assigns to the A0/ECM mixing inputs and outputs.
const (
	MasterKeySize = 32
	NonceSize     = 8
	KclSize       = 32
	EcmInitSize   = 0x17
	CwHalfSize    = 16
)

// sha256Concat hashes the concatenation of the given byte slices without
// requiring the caller to pre-allocate and copy into one buffer by hand.
func sha256Concat(parts ...[]byte) [sha256.Size]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// deriveKcl computes SHA256(masterKey ‖ a0init ‖ a0response), per spec.md
// §4.2.1 step 5.
func deriveKcl(masterKey, a0init, a0response []byte) [KclSize]byte {
	return sha256Concat(masterKey, a0init, a0response)
}

// a0AuthTag computes SHA256(kcl ‖ a0init), per spec.md §4.2.1 step 6.
func a0AuthTag(kcl, a0init []byte) [sha256.Size]byte {
	return sha256Concat(kcl, a0init)
}

// constantTimeEqual performs a constant-time byte comparison, per the
// recommendation in spec.md §9 — the A0 authentication tag check must not
// leak a timing oracle even though the card link is local.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// deriveControlWords computes SHA256(kcl ‖ ecmInit) XOR ecmResponse and
// splits the 32-byte result into odd/even halves, per spec.md §4.2.2
// steps 4-6.
func deriveControlWords(kcl, ecmInit, ecmResponse []byte) (odd, even [CwHalfSize]byte) {
	h := sha256Concat(kcl, ecmInit)
	var cw [sha256.Size]byte
	for i := range h {
		cw[i] = h[i] ^ ecmResponse[i]
	}
	copy(odd[:], cw[:CwHalfSize])
	copy(even[:], cw[CwHalfSize:])
	return odd, even
}
