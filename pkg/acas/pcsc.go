package acas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"
)

// PCSCPort is the real SmartCardPort backend, driving a PC/SC reader
// through github.com/ebfe/scard. It is the swappable implementation
// named in spec.md §6 — a recorded-trace ReplayPort stands in for it in
// tests.
type PCSCPort struct {
	readerIndex int

	mu          sync.Mutex
	ctx         *scard.Context
	card        *scard.Card
	initialized bool
	connected   bool
}

// NewPCSCPort constructs a port bound to the reader at readerIndex
// (0-based, matching scard.Context.ListReaders order).
func NewPCSCPort(readerIndex int) *PCSCPort {
	return &PCSCPort{readerIndex: readerIndex}
}

// IsInitialized reports whether EstablishContext has succeeded.
func (p *PCSCPort) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Initialize establishes the PC/SC resource manager context. Idempotent.
func (p *PCSCPort) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("acas: establish pcsc context: %w", err)
	}
	p.ctx = ctx
	p.initialized = true
	return nil
}

// IsConnected reports whether a card connection is open.
func (p *PCSCPort) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Connect opens a shared-mode connection to the configured reader.
// Idempotent.
func (p *PCSCPort) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	if p.ctx == nil {
		return fmt.Errorf("acas: pcsc port not initialized")
	}

	readers, err := p.ctx.ListReaders()
	if err != nil {
		return fmt.Errorf("acas: list pcsc readers: %w", err)
	}
	if p.readerIndex < 0 || p.readerIndex >= len(readers) {
		return fmt.Errorf("acas: reader index %d out of range (0..%d)", p.readerIndex, len(readers)-1)
	}

	card, err := p.ctx.Connect(readers[p.readerIndex], scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("acas: connect to %q: %w", readers[p.readerIndex], err)
	}
	p.card = card
	p.connected = true
	return nil
}

// Close disconnects the card (leaving it powered) and releases the PC/SC
// context. Safe to call on a port that was never connected.
func (p *PCSCPort) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.card != nil {
		_ = p.card.Disconnect(scard.LeaveCard)
		p.card = nil
		p.connected = false
	}
	if p.ctx != nil {
		_ = p.ctx.Release()
		p.ctx = nil
		p.initialized = false
	}
}

// pcscTransaction wraps scard's exclusive-access transaction so its
// release is guaranteed on every exit path via defer, per spec.md §4.1.
type pcscTransaction struct {
	card *scard.Card
}

func (t *pcscTransaction) Release() {
	_ = t.card.EndTransaction(scard.LeaveCard)
}

// ScopedTransaction acquires an exclusive PC/SC transaction on the card.
func (p *PCSCPort) ScopedTransaction() (Transaction, error) {
	p.mu.Lock()
	card := p.card
	p.mu.Unlock()
	if card == nil {
		return nil, fmt.Errorf("acas: pcsc port not connected")
	}
	if err := card.BeginTransaction(); err != nil {
		return nil, fmt.Errorf("acas: begin pcsc transaction: %w", err)
	}
	return &pcscTransaction{card: card}, nil
}

// Transmit sends a raw APDU to the card and classifies the transport
// outcome into the small status-code set AcasCard's retry policy
// understands (spec.md §4.1).
func (p *PCSCPort) Transmit(apdu []byte) (TransmitStatus, Response, error) {
	p.mu.Lock()
	card := p.card
	p.mu.Unlock()
	if card == nil {
		return StatusInvalidHandle, Response{}, fmt.Errorf("acas: pcsc port not connected")
	}

	raw, err := card.Transmit(apdu)
	if err != nil {
		return classifyPCSCError(err), Response{}, err
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		return StatusOther, Response{}, err
	}
	return StatusOK, resp, nil
}

func classifyPCSCError(err error) TransmitStatus {
	switch {
	case errors.Is(err, scard.ErrResetCard):
		return StatusResetCard
	case errors.Is(err, scard.ErrInvalidHandle):
		return StatusInvalidHandle
	default:
		return StatusOther
	}
}
