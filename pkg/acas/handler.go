package acas

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultParityFlipTimeout bounds the wait for the ECM worker to catch up
// on a crypto-period boundary, per spec.md §4.3.4.
const defaultParityFlipTimeout = 10 * time.Second

// AcasHandler owns the ECM worker, deduplicates ECMs, publishes the
// current control-word pair, and runs the AES-CTR fast path (spec.md §4.3,
// component C3).
type AcasHandler struct {
	card   *AcasCard
	cipher *AesCtrEngine

	parityFlipTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	running bool
	wg      sync.WaitGroup

	lastEcm  []byte // touched only by OnEcm's caller; single producer per spec.md §5
	ecmReady atomic.Bool

	keyMu      sync.Mutex
	currentKey DecryptionKey
	haveKey    bool

	// lastServedParity is touched only by the fast-path caller (one
	// thread, per spec.md §5), so it needs no lock of its own.
	lastServedParity EncryptionFlag
	haveServedParity bool

	decryptDebugCalls int
}

// NewAcasHandler constructs a handler bound to card and cipher and starts
// its worker goroutine. Callers must call Close to join the worker.
func NewAcasHandler(card *AcasCard, cipher *AesCtrEngine) *AcasHandler {
	h := &AcasHandler{card: card, cipher: cipher, running: true, parityFlipTimeout: defaultParityFlipTimeout}
	h.cond = sync.NewCond(&h.mu)
	h.wg.Add(1)
	go h.worker()
	return h
}

// Close stops the worker cooperatively and joins it. Safe to call once;
// per spec.md §7 shutdown never raises.
func (h *AcasHandler) Close() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.cond.Broadcast()
	h.wg.Wait()
}

// OnEcm intakes one ECM blob. A byte-identical re-delivery of the last
// seen ECM is a no-op; otherwise the ECM is enqueued for the worker and
// ecm_ready is set. Per spec.md §4.3.1 this always reports success — ECM
// failures surface later, from the worker, as a log line rather than a
// return value here.
func (h *AcasHandler) OnEcm(ecm []byte) bool {
	if bytes.Equal(h.lastEcm, ecm) {
		return true
	}
	stored := append([]byte(nil), ecm...)
	h.lastEcm = stored

	h.mu.Lock()
	h.queue = append(h.queue, stored)
	h.mu.Unlock()
	h.cond.Signal()
	h.ecmReady.Store(true)

	return true
}

// QueueLen reports the number of ECMs awaiting resolution. Exposed mainly
// for tests that assert dedup and drain behavior.
func (h *AcasHandler) QueueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *AcasHandler) worker() {
	defer h.wg.Done()
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && h.running {
			h.cond.Wait()
		}
		if !h.running {
			h.mu.Unlock()
			return
		}
		ecmData := h.queue[0]
		h.mu.Unlock()

		if key, err := h.card.Ecm(ecmData); err != nil {
			slog.Warn("acas: ecm resolution failed", "error", err)
		} else {
			h.keyMu.Lock()
			h.currentKey = key
			h.haveKey = true
			h.keyMu.Unlock()
		}

		// The ECM is popped only after publication (success or
		// failure) so a reader observing queue-empty never sees a
		// stale key — per spec.md §9's open question on this race.
		h.mu.Lock()
		h.queue = h.queue[1:]
		h.mu.Unlock()
		h.cond.Broadcast()
	}
}

// Decrypt AES-CTR-decrypts packet.Payload[8:] in place using the key half
// matching packet's encryption flag, per spec.md §4.3.3. It returns false
// if no key is available yet (including a parity-flip wait that timed
// out) rather than raising an error, per spec.md §7.
func (h *AcasHandler) Decrypt(packet *MmtpPacket) bool {
	if packet.EncryptionFlag == Unscrambled {
		return false
	}
	if len(packet.Payload) < 8 {
		return false
	}

	key, ok := h.decryptionKeyFor(packet.EncryptionFlag)
	if !ok {
		return false
	}

	iv := ivForPacket(packet.PacketID, packet.SequenceNumber)
	body := packet.Payload[8:]

	if h.decryptDebugCalls < 10 {
		slog.Debug("acas: decrypting",
			"packetID", packet.PacketID,
			"seq", packet.SequenceNumber,
			"len", len(body))
		h.decryptDebugCalls++
	}

	if err := h.cipher.CryptBlocks(key, iv, body, body); err != nil {
		slog.Warn("acas: decrypt failed", "error", err)
		return false
	}
	return true
}

func ivForPacket(packetID uint16, sequenceNumber uint32) [16]byte {
	var iv [16]byte
	iv[0] = byte(packetID >> 8)
	iv[1] = byte(packetID)
	iv[2] = byte(sequenceNumber >> 24)
	iv[3] = byte(sequenceNumber >> 16)
	iv[4] = byte(sequenceNumber >> 8)
	iv[5] = byte(sequenceNumber)
	return iv
}

// decryptionKeyFor implements the key-flip synchronization of spec.md
// §4.3.4: on a parity change it drains the ECM queue (bounded by
// parityFlipTimeout) before serving the new key half, so the new
// crypto-period is never decrypted with the previous period's key.
func (h *AcasHandler) decryptionKeyFor(flag EncryptionFlag) ([CwHalfSize]byte, bool) {
	if !h.ecmReady.Load() {
		return [CwHalfSize]byte{}, false
	}

	if !h.haveServedParity || h.lastServedParity != flag {
		if !h.waitQueueEmpty(h.parityFlipTimeout) {
			return [CwHalfSize]byte{}, false
		}
	}
	h.lastServedParity = flag
	h.haveServedParity = true

	h.keyMu.Lock()
	defer h.keyMu.Unlock()
	if !h.haveKey {
		return [CwHalfSize]byte{}, false
	}
	switch flag {
	case Even:
		return h.currentKey.Even, true
	case Odd:
		return h.currentKey.Odd, true
	default:
		return [CwHalfSize]byte{}, false
	}
}

// waitQueueEmpty blocks until the ECM queue drains or timeout elapses,
// returning false on timeout. sync.Cond has no native timed wait, so a
// timer goroutine broadcasts on expiry to wake the waiter for a final
// recheck — a standard pattern for bounding a Cond.Wait.
func (h *AcasHandler) waitQueueEmpty(timeout time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		h.mu.Lock()
		timedOut = true
		h.mu.Unlock()
		h.cond.Broadcast()
	})
	defer timer.Stop()

	for len(h.queue) != 0 && !timedOut {
		h.cond.Wait()
	}
	return len(h.queue) == 0
}
