package distribution

import (
	"sync"
	"sync/atomic"
)

// TransferProgress tracks byte-level progress of one download. It is written
// by the downloader strategy and read by any observer holding a reference,
// possibly from another goroutine.
type TransferProgress struct {
	total       atomic.Int64
	transferred atomic.Int64

	mu         sync.Mutex
	started    bool
	done       bool
	failed     bool
	failReason string
}

// SetStarted marks the transfer as started.
func (p *TransferProgress) SetStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

// SetDone marks the transfer as finished.
func (p *TransferProgress) SetDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
}

// SetFailed marks the transfer as failed with a reason.
func (p *TransferProgress) SetFailed(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = true
	p.failReason = reason
}

// SetTotal records the expected transfer size in bytes.
func (p *TransferProgress) SetTotal(total int64) {
	p.total.Store(total)
}

// Add accumulates transferred bytes.
func (p *TransferProgress) Add(n int64) {
	p.transferred.Add(n)
}

// Total returns the expected transfer size, 0 when unknown.
func (p *TransferProgress) Total() int64 {
	return p.total.Load()
}

// Transferred returns the number of bytes received so far.
func (p *TransferProgress) Transferred() int64 {
	return p.transferred.Load()
}

// Started reports whether the transfer started.
func (p *TransferProgress) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

// Done reports whether the transfer finished.
func (p *TransferProgress) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.done
}

// Failed reports whether the transfer failed.
func (p *TransferProgress) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.failed
}

// FailReason returns the failure reason, empty while not failed.
func (p *TransferProgress) FailReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.failReason
}

// SourceProgress tracks the phases of one source attempt within a
// distribution item. Phases are entered strictly in order and never reset;
// a retry on the next candidate source gets a fresh instance.
type SourceProgress struct {
	transfer *TransferProgress

	mu                sync.Mutex
	started           bool
	failed            bool
	failReason        string
	hashCheckStarted  bool
	hashCheckFinished bool
	unzipStarted      bool
	unzipFinished     bool
}

// NewSourceProgress creates a progress tracker for one source attempt.
func NewSourceProgress() *SourceProgress {
	return &SourceProgress{transfer: &TransferProgress{}}
}

// Transfer returns the nested byte-level progress of the download phase.
func (p *SourceProgress) Transfer() *TransferProgress {
	return p.transfer
}

// SetStarted is called when the source attempt starts.
func (p *SourceProgress) SetStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

// SetFailed marks the source attempt as failed.
func (p *SourceProgress) SetFailed(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = true
	p.failReason = reason
}

// SetHashCheckStarted is called just before the hash check starts.
func (p *SourceProgress) SetHashCheckStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashCheckStarted = true
}

// SetHashCheckFinished is called just after the hash check finishes.
func (p *SourceProgress) SetHashCheckFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashCheckFinished = true
}

// SetUnzipStarted is called just before unpacking starts.
func (p *SourceProgress) SetUnzipStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unzipStarted = true
}

// SetUnzipFinished is called just after unpacking finishes.
func (p *SourceProgress) SetUnzipFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unzipFinished = true
}

// IsRunning reports whether the source attempt is in progress.
func (p *SourceProgress) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started && !p.failed && !p.hashCheckFinished
}

// Started reports whether the attempt started.
func (p *SourceProgress) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

// HashCheckStarted reports whether the hash check phase was entered.
func (p *SourceProgress) HashCheckStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.hashCheckStarted
}

// HashCheckFinished reports whether the hash check phase completed.
func (p *SourceProgress) HashCheckFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.hashCheckFinished
}

// UnzipStarted reports whether the unpack phase was entered.
func (p *SourceProgress) UnzipStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.unzipStarted
}

// UnzipFinished reports whether the unpack phase completed.
func (p *SourceProgress) UnzipFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.unzipFinished
}

// Failed reports whether this attempt or its transfer failed.
func (p *SourceProgress) Failed() bool {
	p.mu.Lock()
	failed := p.failed
	p.mu.Unlock()

	return failed || p.transfer.Failed()
}

// FailReason returns the attempt failure reason, falling back to the
// transfer failure reason.
func (p *SourceProgress) FailReason() string {
	p.mu.Lock()
	reason := p.failReason
	p.mu.Unlock()

	if reason != "" {
		return reason
	}

	return p.transfer.FailReason()
}
