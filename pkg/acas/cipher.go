package acas

import (
	"crypto/aes"
	"crypto/cipher"
	"runtime"

	"golang.org/x/sys/cpu"
)

// AesCtrEngine implements AES-128-CTR with key-schedule caching, per
// spec.md §4.4. Two back-ends share identical observable behavior:
//
//   - accelerated: cipher.NewCTR over a cached stdlib aes.Block. Go's
//     crypto/aes already dispatches to an AES-NI/ARMv8 assembly path when
//     the CPU supports it, so this is the "hardware-accelerated variant"
//     spec.md asks for.
//   - portable: a hand-rolled counter-mode loop (adapted from
//     other_examples/alkemir-goaesctr__ctr.go's refill/increment
//     structure) over the same cached aes.Block, used when
//     force_portable_aes is set or no hardware AES is detected.
//
// An AesCtrEngine is not safe for concurrent use; spec.md §5 notes
// last_key caching is thread-local to the one fast-path caller.
type AesCtrEngine struct {
	accelerated bool

	haveKey bool
	key     [CwHalfSize]byte
	block   cipher.Block
}

// NewAesCtrEngine selects a back-end. forcePortable mirrors the
// force_portable_aes configuration option in spec.md §6.
func NewAesCtrEngine(forcePortable bool) *AesCtrEngine {
	return &AesCtrEngine{accelerated: !forcePortable && hasHardwareAES()}
}

func hasHardwareAES() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	default:
		return false
	}
}

// Accelerated reports which back-end this engine selected.
func (e *AesCtrEngine) Accelerated() bool { return e.accelerated }

// setKey returns the cached block cipher for key, recomputing the key
// schedule only when the raw key bytes differ from the cached one.
func (e *AesCtrEngine) setKey(key [CwHalfSize]byte) (cipher.Block, error) {
	if e.haveKey && e.key == key {
		return e.block, nil
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	e.key = key
	e.haveKey = true
	e.block = block
	return block, nil
}

// CryptBlocks decrypts (or encrypts — CTR mode is symmetric) src into dst
// using key and the 16-byte initial counter block iv. dst and src may
// alias the same backing array (in-place decryption), matching
// AcasHandler.Decrypt's usage.
func (e *AesCtrEngine) CryptBlocks(key [CwHalfSize]byte, iv [16]byte, dst, src []byte) error {
	block, err := e.setKey(key)
	if err != nil {
		return err
	}
	if e.accelerated {
		stream := cipher.NewCTR(block, iv[:])
		stream.XORKeyStream(dst, src)
		return nil
	}
	portableCTRCrypt(block, iv, dst, src)
	return nil
}

// portableCTRCrypt XORs src with the AES-CTR keystream one 16-byte block
// at a time, incrementing the counter big-endian across the full block —
// acceptable per spec.md §4.4 since the IV's high 10 bytes are fixed zero
// and overflow is infeasible within one MMTP packet.
func portableCTRCrypt(block cipher.Block, iv [16]byte, dst, src []byte) {
	counter := iv
	var keystream [16]byte
	for off := 0; off < len(src); off += 16 {
		block.Encrypt(keystream[:], counter[:])
		n := len(src) - off
		if n > 16 {
			n = 16
		}
		for i := 0; i < n; i++ {
			dst[off+i] = src[off+i] ^ keystream[i]
		}
		incrementCounter(&counter)
	}
}

func incrementCounter(ctr *[16]byte) {
	for i := len(ctr) - 1; i >= 0; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			break
		}
	}
}
