package acas

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// maxRetries bounds the A0/ECM retry loop at at most 2 retries per call,
// per spec.md §4.2.3.
const maxRetries = 2

// errA0AuthMismatch marks an A0 authentication tag mismatch, which
// spec.md §4.2.3 treats as transient (retry with a fresh a0init) rather
// than a terminal card rejection.
var errA0AuthMismatch = errors.New("acas: a0 authentication tag mismatch")

// a0CommandPrefix is the fixed 8-byte prefix preceding a0init in the A0
// command's APDU data, per spec.md §4.2.1 step 2.
var a0CommandPrefix = []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x8A, 0xF7}

// DecryptionKey is the {odd, even} control-word pair produced by a
// successful ECM resolution (spec.md §3).
type DecryptionKey struct {
	Odd  [CwHalfSize]byte
	Even [CwHalfSize]byte
}

// AcasCard authenticates with the smart card, derives Kcl, and resolves
// ECMs into DecryptionKey pairs. It drives a single SmartCardPort; only
// one goroutine (the AcasHandler worker) is expected to call Ecm at a
// time — spec.md's "an ECM never advances to the card while a previous
// ECM for the same card is in flight" invariant is enforced by the
// caller serializing access, not by AcasCard itself.
type AcasCard struct {
	masterKey [MasterKeySize]byte
	port      SmartCardPort

	a0DebugCalls int // mirrors original_source's static a0_debug counter
	ecmDebugCalls int
}

// NewAcasCard constructs an AcasCard bound to the given 32-byte master
// key and transport. port may be nil initially and set later via
// SetSmartCard, mirroring AcasCard::setSmartCard in original_source.
func NewAcasCard(masterKey [MasterKeySize]byte, port SmartCardPort) *AcasCard {
	return &AcasCard{masterKey: masterKey, port: port}
}

// SetSmartCard installs (or replaces) the transport the card drives.
func (c *AcasCard) SetSmartCard(port SmartCardPort) {
	c.port = port
}

// a0Nonce returns a fresh 8-byte nonce. Tests may override via the
// ACAS_A0INIT environment variable (16 hex chars), mirroring the
// NTAG_RNDA override pattern in ntag424/auth.go.
func a0Nonce() ([]byte, error) {
	if hexVal := os.Getenv("ACAS_A0INIT"); len(hexVal) == NonceSize*2 {
		if b, err := hex.DecodeString(hexVal); err == nil && len(b) == NonceSize {
			return b, nil
		}
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// deriveKclFromCard runs the A0 exchange once (no retry) and returns the
// authenticated Kcl, per spec.md §4.2.1.
func (c *AcasCard) deriveKclFromCard() ([KclSize]byte, error) {
	a0init, err := a0Nonce()
	if err != nil {
		return [KclSize]byte{}, &CardError{Kind: CardUnavailable, Cmd: 0xA0, Cause: err}
	}

	data := make([]byte, 0, len(a0CommandPrefix)+NonceSize)
	data = append(data, a0CommandPrefix...)
	data = append(data, a0init...)

	apdu, err := BuildCase4Short(0x90, 0xA0, 0x00, 0x01, data, 0x00)
	if err != nil {
		return [KclSize]byte{}, &CardError{Kind: CardRejected, Cmd: 0xA0, Cause: err}
	}

	status, resp, err := c.port.Transmit(apdu)
	if err != nil {
		return [KclSize]byte{}, &CardError{Kind: CardUnavailable, Cmd: 0xA0, Cause: err}
	}
	if status != StatusOK {
		ce := transportCardError(status, 0xA0)
		return [KclSize]byte{}, &ce
	}
	if !resp.IsSuccess() {
		return [KclSize]byte{}, &CardError{Kind: CardRejected, Cmd: 0xA0, SW: resp.SW()}
	}

	// Open question (spec.md §9): a short response must be treated as
	// CardRejected rather than proceeding with truncated slices.
	if len(resp.Data) < 0x0E+KclSize {
		return [KclSize]byte{}, &CardError{Kind: CardRejected, Cmd: 0xA0, Cause: fmt.Errorf("short A0 response: %d bytes", len(resp.Data))}
	}

	a0response := resp.Data[0x06 : 0x06+NonceSize]
	a0hash := resp.Data[0x0E:]

	kcl := deriveKcl(c.masterKey[:], a0init, a0response)
	check := a0AuthTag(kcl[:], a0init)

	if !constantTimeEqual(check[:], a0hash[:len(check)]) {
		return [KclSize]byte{}, fmt.Errorf("acas: a0 authentication failed: %w", errA0AuthMismatch)
	}

	if c.a0DebugCalls < 2 {
		slog.Debug("acas: kcl derived",
			"a0init", hex.EncodeToString(a0init),
			"a0response", hex.EncodeToString(a0response),
			"kcl", hex.EncodeToString(kcl[:]))
		c.a0DebugCalls++
	}

	return kcl, nil
}

func transportCardError(status TransmitStatus, cmd byte) CardError {
	return CardError{Kind: CardUnavailable, Cmd: cmd, Cause: fmt.Errorf("transport status %s", status)}
}

// ensureConnected idempotently initializes and connects the port, per
// spec.md §4.1.
func (c *AcasCard) ensureConnected() error {
	if c.port == nil {
		return &CardError{Kind: CardUnavailable, Cause: fmt.Errorf("no smart card port configured")}
	}
	if !c.port.IsInitialized() {
		if err := c.port.Initialize(); err != nil {
			return &CardError{Kind: CardUnavailable, Cause: err}
		}
	}
	if !c.port.IsConnected() {
		if err := c.port.Connect(); err != nil {
			return &CardError{Kind: CardUnavailable, Cause: err}
		}
	}
	return nil
}

// Ecm resolves one ECM into a DecryptionKey. It runs the A0+34 state
// machine described in spec.md §4.2.4 inside a single scoped transaction,
// retrying up to maxRetries times on transport resets or A0 authentication
// failure (spec.md §4.2.3). Once the budget is spent, a final A0
// authentication mismatch is reported as CardRejected and any other
// retried failure as CardUnavailable.
func (c *AcasCard) Ecm(ecm []byte) (DecryptionKey, error) {
	if c.port == nil {
		return DecryptionKey{}, &CardError{Kind: CardUnavailable, Cause: fmt.Errorf("no smart card port configured")}
	}
	if len(ecm) < 0x04+EcmInitSize {
		return DecryptionKey{}, &CardError{Kind: CardRejected, Cmd: 0x34, Cause: fmt.Errorf("ecm too short: %d bytes", len(ecm))}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.ensureConnected(); err != nil {
			return DecryptionKey{}, err
		}

		txn, err := c.port.ScopedTransaction()
		if err != nil {
			return DecryptionKey{}, &CardError{Kind: CardUnavailable, Cause: err}
		}
		key, retry, err := func() (DecryptionKey, bool, error) {
			defer txn.Release()
			return c.ecmOnce(ecm, txn)
		}()

		if err == nil {
			return key, nil
		}
		if !retry {
			return DecryptionKey{}, err
		}
		lastErr = err
		if attempt >= maxRetries {
			kind := CardUnavailable
			if errors.Is(lastErr, errA0AuthMismatch) {
				kind = CardRejected
			}
			return DecryptionKey{}, &CardError{Kind: kind, Cause: lastErr}
		}
		slog.Debug("acas: retrying ecm resolution", "attempt", attempt+1, "cause", err)
	}
}

// ecmOnce performs one A0+34 pass within an already-open transaction.
// retry reports whether the caller's retry budget should be consumed for
// this failure — a transport reset/invalid handle or an A0 authentication
// mismatch, both treated as transient per spec.md §4.2.3 — as opposed to
// a genuine card-rejected status word, which is terminal.
func (c *AcasCard) ecmOnce(ecm []byte, _ Transaction) (DecryptionKey, bool, error) {
	kcl, err := c.deriveKclFromCard()
	if err != nil {
		if errors.Is(err, errA0AuthMismatch) {
			return DecryptionKey{}, true, err
		}
		if kind, ok := asCardError(err); ok && kind == CardUnavailable {
			return DecryptionKey{}, true, err
		}
		return DecryptionKey{}, false, err
	}

	apdu, err := BuildCase4Short(0x90, 0x34, 0x00, 0x01, ecm, 0x00)
	if err != nil {
		return DecryptionKey{}, false, &CardError{Kind: CardRejected, Cmd: 0x34, Cause: err}
	}

	status, resp, err := c.port.Transmit(apdu)
	if err != nil {
		return DecryptionKey{}, true, &CardError{Kind: CardUnavailable, Cmd: 0x34, Cause: err}
	}
	if status == StatusResetCard || status == StatusInvalidHandle {
		ce := transportCardError(status, 0x34)
		return DecryptionKey{}, true, &ce
	}
	if status != StatusOK {
		return DecryptionKey{}, false, &CardError{Kind: CardUnavailable, Cmd: 0x34, Cause: fmt.Errorf("transport status %s", status)}
	}
	if !resp.IsSuccess() {
		return DecryptionKey{}, false, &CardError{Kind: CardRejected, Cmd: 0x34, SW: resp.SW()}
	}
	if len(resp.Data) < 0x06+2*CwHalfSize {
		return DecryptionKey{}, false, &CardError{Kind: CardRejected, Cmd: 0x34, Cause: fmt.Errorf("short ecm response: %d bytes", len(resp.Data))}
	}

	ecmResponse := resp.Data[0x06:]
	ecmInit := ecm[0x04 : 0x04+EcmInitSize]

	odd, even := deriveControlWords(kcl[:], ecmInit, ecmResponse)

	if c.ecmDebugCalls < 2 {
		slog.Debug("acas: control words derived",
			"ecmInit", hex.EncodeToString(ecmInit),
			"ecmResponse", hex.EncodeToString(ecmResponse[:CwHalfSize*2]))
		c.ecmDebugCalls++
	}

	return DecryptionKey{Odd: odd, Even: even}, false, nil
}
