/*************************************************************************
 * Breenix kernel — process/thread substrate
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 *************************************************************************/

// Package ipc implements the kernel's single inter-process primitive named
// in spec §4.3's suspension points: the anonymous pipe, block-on-empty on
// read and block-on-full on write. The ring buffer's head/count/capacity
// layout is the same circular-indexing idiom gravwell's ingest package uses
// for its entry confirmation buffer; here it carries raw bytes instead of
// entry pointers.
package ipc

import (
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("ipc: pipe closed")
)

// ring is an unsynchronized byte ring buffer; Pipe adds the blocking
// semantics on top.
type ring struct {
	buf      []byte
	head     int
	count    int
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity), capacity: capacity}
}

func (r *ring) free() int { return r.capacity - r.count }

func (r *ring) write(p []byte) int {
	n := 0
	for n < len(p) && r.count < r.capacity {
		tail := (r.head + r.count) % r.capacity
		r.buf[tail] = p[n]
		r.count++
		n++
	}
	return n
}

func (r *ring) read(p []byte) int {
	n := 0
	for n < len(p) && r.count > 0 {
		p[n] = r.buf[r.head]
		r.head = (r.head + 1) % r.capacity
		r.count--
		n++
	}
	return n
}

// Pipe is a fixed-capacity byte pipe with blocking read/write. Unlike a Go
// channel, Pipe exposes its readiness explicitly (CanRead/CanWrite) so the
// kernel's BlockReadFd/BlockWriteFd suspension points (spec §4.3) can poll
// it without the two sides ever meeting inside a goroutine select — the
// whole point is that blocking here is modeled as a scheduler state
// transition, not a goroutine park.
type Pipe struct {
	mtx sync.Mutex
	r   ring

	readers, writers int
	closed           bool
}

// DefaultCapacity is the pipe buffer size new pipes are created with,
// matching Linux's historical default pipe buffer size.
const DefaultCapacity = 65536

// NewPipe creates a pipe with one read end and one write end outstanding.
func NewPipe(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipe{r: *newRing(capacity), readers: 1, writers: 1}
}

// CanRead reports whether a read would make progress right now (data
// present, or no writers remain so the read would return EOF immediately).
func (p *Pipe) CanRead() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.r.count > 0 || p.writers == 0
}

// CanWrite reports whether a write would make progress right now.
func (p *Pipe) CanWrite() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.r.free() > 0 || p.readers == 0
}

// Read copies up to len(p) bytes out of the pipe. Returns (0, nil) for EOF
// (no data, no writers), not an error — matching read(2) semantics that
// the syscall layer translates directly into a return value of 0.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.r.count == 0 {
		if p.writers == 0 {
			return 0, nil
		}
		return 0, ErrClosed // caller must have checked CanRead first
	}
	return p.r.read(buf), nil
}

// Write copies as much of buf as fits into the pipe's free space right
// now. If no readers remain, Write reports ErrClosed (SIGPIPE/EPIPE is the
// syscall layer's concern, not this package's).
func (p *Pipe) Write(buf []byte) (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.readers == 0 {
		return 0, ErrClosed
	}
	if p.r.free() == 0 {
		return 0, ErrClosed // caller must have checked CanWrite first
	}
	return p.r.write(buf), nil
}

// RetainReader/RetainWriter/ReleaseReader/ReleaseWriter track how many fd
// table entries reference each end, mirroring spec §4.5's fd-table
// refcounting for fork-duplicated descriptors.
func (p *Pipe) RetainReader() {
	p.mtx.Lock()
	p.readers++
	p.mtx.Unlock()
}

func (p *Pipe) RetainWriter() {
	p.mtx.Lock()
	p.writers++
	p.mtx.Unlock()
}

func (p *Pipe) ReleaseReader() {
	p.mtx.Lock()
	p.readers--
	p.mtx.Unlock()
}

func (p *Pipe) ReleaseWriter() {
	p.mtx.Lock()
	p.writers--
	p.mtx.Unlock()
}

// Endpoint adapts one direction of a Pipe to proc.PipeEndpoint so fd-table
// entries can Retain/Release without knowing which direction they hold.
type Endpoint struct {
	Pipe      *Pipe
	IsWriter  bool
}

func (e Endpoint) Retain() {
	if e.IsWriter {
		e.Pipe.RetainWriter()
	} else {
		e.Pipe.RetainReader()
	}
}

func (e Endpoint) Release() {
	if e.IsWriter {
		e.Pipe.ReleaseWriter()
	} else {
		e.Pipe.ReleaseReader()
	}
}
