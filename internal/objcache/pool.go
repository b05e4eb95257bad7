package objcache

import (
	c "objcache/internal"
	"objcache/internal/iomgr"
)

// Pool is a fixed set of same-sized frames carved out of one slab, with a free list
// threaded through the frames themselves.
type Pool struct {
	kind		FrameKind
	frameSize	int
	slab		[]byte
	frames		[]Frame
	freeList	*Frame
	nFree		int
	reserve		int
	cursor		AgingCursor
}

func createPool(kind FrameKind, count int, frameSize int, reserve int) (*Pool, error) {
	slab, err := iomgr.AllocSlab(count * frameSize)
	if err != nil { return nil, err }

	p := Pool{
		kind: 		kind,
		frameSize: 	frameSize,
		slab: 		slab,
		frames: 	make([]Frame, count),
		reserve: 	reserve,
	}
	// push in reverse so frames come off the list in index order
	for i := count - 1; i >= 0; i-- {
		f := &p.frames[i]
		f.index = i
		f.kind = kind
		f.data = slab[frameSize * i: frameSize * (i + 1)]
		f.obType = ObFree
		p.push(f)
	}
	return &p, nil
}

func (p *Pool) destroy() error {
	p.frames = nil
	p.freeList = nil
	return iomgr.DeallocSlab(p.slab)
}

func (p *Pool) push(f *Frame) {
	f.free = p.freeList
	p.freeList = f
	p.nFree++
}

func (p *Pool) pop() *Frame {
	f := p.freeList
	if f == nil { return nil }
	p.freeList = f.free
	f.free = nil
	p.nFree--
	return f
}

func (p *Pool) Size() int		{ return len(p.frames) }
func (p *Pool) Free() int		{ return p.nFree }
func (p *Pool) Frame(i int) *Frame	{ return &p.frames[i] }

// Ordinary allocations leave the reserve alone, reserved ones (pot buffers) may dig in.
func (p *Pool) okToGrab(reserved bool) bool {
	if reserved { return p.nFree > 0 }
	return p.nFree > p.reserve
}

func (c *Cache) pool(kind FrameKind) *Pool {
	if kind == KindNode { return c.nodes }
	return c.pages
}

func frameSize(kind FrameKind) int {
	if kind == KindNode { return c.NODE_SIZE }
	return c.PAGE_SIZE
}

// Takes a free frame, aging the pool until one is available. May suspend.
func (c *Cache) grab(p *Pool, reserved bool) *Frame {
	for !p.okToGrab(reserved) {
		want := p.reserve + 1
		if reserved { want = 1 }
		c.age(p, want)
	}
	f := p.pop()
	clear(f.data)
	f.obType = ObNewAlloc
	f.meta = ObjectMeta{age: AgeNewBorn}
	return f
}

// Returns a frame to its free list. Every precondition failure is a logic error.
func (c *Cache) free(f *Frame) {
	if f.obType == ObFree { c.fatal(ErrNotAllocated, "frame", f) }
	m := &f.meta
	switch {
	case m.dirty() || m.kro():
		c.fatal(ErrFreeDirty, "frame", f)
	case len(m.keyRing) > 0:
		c.fatal(ErrFreeReferenced, "frame", f)
	case m.ioreq != nil || m.pins > 0 || m.holds > 0 || m.flags&FlagFetching != 0:
		c.fatal(ErrFreeBusy, "frame", f)
	}

	if f.persistent() || f.obType == ObDevicePage || f.obType == ObKernelNode {
		if c.objects[f.key()] == f { delete(c.objects, f.key()) }
	}
	f.allocCount++
	f.meta = ObjectMeta{}
	f.obType = ObFree
	c.pool(f.kind).push(f)
	f.waitq.wakeAll()
}

// Frees an evictable frame after cutting off every holder.
func (c *Cache) steal(f *Frame) {
	n := c.invalidateAllRefs(f)
	c.stats.steals++
	c.log.Debug("steal", "frame", f, "refs", n)
	c.free(f)
}

// GrabNodeFrame returns an unbound node frame, evicting if it has to. May suspend.
func (c *Cache) GrabNodeFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("GrabNodeFrame")
	return c.grab(c.nodes, false)
}

func (c *Cache) GrabPageFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("GrabPageFrame")
	return c.grab(c.pages, false)
}

// OKToGrabPages is true while a page can be had without touching the pot reserve.
func (c *Cache) OKToGrabPages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return false }
	return c.pages.okToGrab(false)
}

// EnsureFrames ages the pool until count frames can be grabbed without suspending.
func (c *Cache) EnsureFrames(kind FrameKind, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return ErrClosed }

	p := c.pool(kind)
	if count > p.Size() - p.reserve { return ErrTooMany }
	for p.nFree - p.reserve < count {
		c.age(p, count + p.reserve)
	}
	return nil
}

// FreeFrame gives a frame back. It must be clean, unpinned and unreferenced.
func (c *Cache) FreeFrame(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("FreeFrame")
	c.free(f)
}
