package logstore

import (
	"sync"

	c "objcache/internal"
)

// MemDevice keeps the log in a map. Writes are snapshotted at submit time and become
// readable when they complete. With Hold set, write completions queue up until Release.
type MemDevice struct {
	mu		sync.Mutex
	pages	map[Loc][]byte
	hold	bool
	pending	[]func()
	fail	error
	writes	int
	reads	int
	closed	bool
}

func CreateMemDevice() *MemDevice {
	return &MemDevice{
		pages: make(map[Loc][]byte),
	}
}

func (d *MemDevice) WriteAsync(buf []byte, loc Loc, done func(error)) {
	snap := make([]byte, len(buf))
	copy(snap, buf)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		go done(ErrClosed)
		return
	}

	d.writes++
	fail := d.fail
	complete := func() {
		if fail == nil {
			d.mu.Lock()
			d.pages[loc] = snap
			d.mu.Unlock()
		}
		done(fail)
	}

	if d.hold {
		d.pending = append(d.pending, complete)
		return
	}
	go complete()
}

func (d *MemDevice) ReadAsync(buf []byte, loc Loc, done func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		go done(ErrClosed)
		return
	}

	d.reads++
	if page, ok := d.pages[loc]; ok {
		copy(buf, page)
	} else {
		// never written, a real disk hands back zeroes (or a hole)
		clear(buf[:min(len(buf), c.PAGE_SIZE)])
	}
	go done(nil)
}

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// While held, write completions are queued instead of delivered.
func (d *MemDevice) Hold(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
}

// Delivers every queued write completion on the calling goroutine, in submit order.
// Returns how many were delivered.
func (d *MemDevice) Release() int {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, complete := range pending {
		complete()
	}
	return len(pending)
}

// Fail makes every following write complete with err (nil to heal).
func (d *MemDevice) Fail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *MemDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *MemDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *MemDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Returns a copy of what is durably at loc, or nil.
func (d *MemDevice) Peek(loc Loc) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.pages[loc]
	if !ok { return nil }
	out := make([]byte, len(page))
	copy(out, page)
	return out
}
