package acas

import (
	"fmt"
	"io"
	"sync"
)

// Fixed triple-buffer parameters, per spec.md §4.5.
const (
	NumBuffers    = 3
	SpillOverSize = 1 << 20        // 1 MiB
	NewDataSize   = 16 << 20       // 16 MiB
	BufferSize    = SpillOverSize + NewDataSize // 17 MiB
)

// FilledBuffer is handed from the producer to the consumer: Buf is the
// owned backing array, View is the subslice of valid bytes to parse. A
// zero-value FilledBuffer (Buf == nil) is the shutdown/EOF sentinel.
type FilledBuffer struct {
	Buf  []byte
	View []byte
}

// Empty reports whether this is the shutdown/EOF sentinel.
func (f FilledBuffer) Empty() bool { return f.Buf == nil }

// ProcessedReport is handed back from the consumer to the producer: Buf
// returns ownership of the buffer the consumer was given, Remaining is
// the subslice of Buf holding bytes the consumer could not yet parse
// (framing straddle) — at most SpillOverSize bytes.
type ProcessedReport struct {
	Buf       []byte
	Remaining []byte
}

// PipelineError reports how an IoPipeline's producer terminated.
type PipelineError struct {
	Kind  ErrorKind // IoEof or IoError
	Cause error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("acas: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("acas: %s", e.Kind)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// IoPipeline is the triple-buffered producer/consumer of spec.md §4.5,
// component C5: a dedicated goroutine reads from r into one of NumBuffers
// owned buffers at a time, preserving a consumer-reported spill-over
// region so framing that straddles a buffer boundary can be reparsed
// without a copy-back through the input stream.
type IoPipeline struct {
	r io.Reader

	freeQ      chan []byte
	filledQ    chan FilledBuffer
	processedQ chan ProcessedReport

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewIoPipeline primes NumBuffers buffers into the free queue and starts
// the producer goroutine reading from r.
func NewIoPipeline(r io.Reader) *IoPipeline {
	p := &IoPipeline{
		r:          r,
		freeQ:      make(chan []byte, NumBuffers),
		filledQ:    make(chan FilledBuffer, 1),
		processedQ: make(chan ProcessedReport, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for i := 0; i < NumBuffers; i++ {
		p.freeQ <- make([]byte, BufferSize)
	}
	go p.run()
	return p
}

// GetFilledBuffer blocks until the producer hands over a filled buffer.
// Once the producer has stopped (EOF, I/O error, or Close) and any
// buffer already in flight has been delivered, GetFilledBuffer returns
// the zero-value (Empty) sentinel forever.
func (p *IoPipeline) GetFilledBuffer() FilledBuffer {
	buf, ok := <-p.filledQ
	if !ok {
		return FilledBuffer{}
	}
	return buf
}

// ReturnProcessedBuffer hands a buffer back to the producer along with
// the spill-over the consumer could not parse. report.Remaining must
// point into report.Buf, per the consumer contract in spec.md §4.5.
func (p *IoPipeline) ReturnProcessedBuffer(report ProcessedReport) {
	p.processedQ <- report
}

// Err returns the reason the producer stopped: a *PipelineError with
// Kind IoEof on normal stream exhaustion, IoError on a failed read, or
// nil if the pipeline is still running or was stopped via Close.
func (p *IoPipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *IoPipeline) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Close signals the producer to stop and joins it, per spec.md §4.5's
// shutdown contract. Safe to call multiple times and after natural EOF.
func (p *IoPipeline) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.doneCh
}

func (p *IoPipeline) run() {
	defer close(p.doneCh)

	var processed ProcessedReport
	first := true

	defer close(p.filledQ)

	for {
		var buf []byte
		select {
		case buf = <-p.freeQ:
		case <-p.stopCh:
			return
		}

		if first {
			first = false
		} else {
			select {
			case processed = <-p.processedQ:
			case <-p.stopCh:
				p.freeQ <- buf
				return
			}
		}

		if processed.Buf != nil {
			p.freeQ <- processed.Buf
			processed.Buf = nil
		}

		leftover := clampSpillOver(processed.Remaining)
		n := copy(buf, leftover)
		processed.Remaining = nil

		read, err := p.r.Read(buf[n:])
		if err != nil && err != io.EOF {
			p.setErr(&PipelineError{Kind: IoError, Cause: err})
			return
		}
		if read == 0 && err == io.EOF {
			p.setErr(&PipelineError{Kind: IoEof})
			return
		}

		select {
		case p.filledQ <- FilledBuffer{Buf: buf, View: buf[:n+read]}:
		case <-p.stopCh:
			return
		}
	}
}

// clampSpillOver defensively caps remaining to SpillOverSize bytes, per
// spec.md §8's "a consumer remaining_view larger than SPILL_OVER is
// clamped; no out-of-bounds copy" boundary behavior.
func clampSpillOver(remaining []byte) []byte {
	if len(remaining) > SpillOverSize {
		return remaining[:SpillOverSize]
	}
	return remaining
}
