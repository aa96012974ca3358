package acas

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ReplayPort is a SmartCardPort test double driven by a caller-supplied
// transmit function, standing in for a recorded-trace replay of a real
// card per spec.md §6's "implementations must be swappable at runtime"
// requirement. Init/connect are always idempotent and always succeed;
// only Transmit behavior is scripted.
type ReplayPort struct {
	TransmitFunc func(apdu []byte) (TransmitStatus, Response, error)

	mu               sync.Mutex
	initialized      bool
	connected        bool
	transactionCount int
	transmitCount    int
}

// NewReplayPort constructs a ReplayPort whose Transmit calls are
// dispatched to fn.
func NewReplayPort(fn func(apdu []byte) (TransmitStatus, Response, error)) *ReplayPort {
	return &ReplayPort{TransmitFunc: fn}
}

func (r *ReplayPort) IsInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

func (r *ReplayPort) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = true
	return nil
}

func (r *ReplayPort) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *ReplayPort) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
	return nil
}

type replayTransaction struct{}

func (*replayTransaction) Release() {}

// ScopedTransaction always succeeds; ReplayPort has no real exclusivity
// to enforce, only a counter tests can assert against via
// TransactionCount.
func (r *ReplayPort) ScopedTransaction() (Transaction, error) {
	r.mu.Lock()
	r.transactionCount++
	r.mu.Unlock()
	return &replayTransaction{}, nil
}

// Transmit dispatches to TransmitFunc, counting calls for tests that
// assert on retry behavior (e.g. "exactly one retry").
func (r *ReplayPort) Transmit(apdu []byte) (TransmitStatus, Response, error) {
	r.mu.Lock()
	r.transmitCount++
	r.mu.Unlock()
	return r.TransmitFunc(apdu)
}

// TransactionCount reports how many scoped transactions were opened.
func (r *ReplayPort) TransactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transactionCount
}

// TransmitCount reports how many APDUs were sent, across both the A0
// and 34 commands.
func (r *ReplayPort) TransmitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitCount
}

// traceEntry is one scripted exchange in a JSON trace file: the response
// to return for the next Transmit call, in order.
type traceEntry struct {
	Status string `json:"status"` // "OK", "RESET_CARD", "INVALID_HANDLE", "OTHER"
	DataHex string `json:"data_hex"`
	SW1     byte   `json:"sw1"`
	SW2     byte   `json:"sw2"`
}

func (e traceEntry) status() TransmitStatus {
	switch e.Status {
	case "", "OK":
		return StatusOK
	case "RESET_CARD":
		return StatusResetCard
	case "INVALID_HANDLE":
		return StatusInvalidHandle
	default:
		return StatusOther
	}
}

// NewTracePort loads a JSON array of traceEntry records from path and
// returns a ReplayPort that plays them back in order on successive
// Transmit calls — the "recorded-trace replay" SmartCardPort swap target
// named in spec.md §6. Exhausting the trace is an error, not a loop.
func NewTracePort(path string) (*ReplayPort, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acas: read trace file: %w", err)
	}
	var entries []traceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("acas: parse trace file: %w", err)
	}

	idx := 0
	var mu sync.Mutex
	return NewReplayPort(func(apdu []byte) (TransmitStatus, Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(entries) {
			return StatusOther, Response{}, fmt.Errorf("acas: trace exhausted after %d entries", idx)
		}
		e := entries[idx]
		idx++

		if e.status() != StatusOK {
			return e.status(), Response{}, nil
		}
		data, err := hex.DecodeString(e.DataHex)
		if err != nil {
			return StatusOther, Response{}, fmt.Errorf("acas: trace entry %d: bad data_hex: %w", idx-1, err)
		}
		return StatusOK, Response{Data: data, SW1: e.SW1, SW2: e.SW2}, nil
	}), nil
}
