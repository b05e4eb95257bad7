package objcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"objcache/internal/logdir"
	"objcache/internal/logstore"
)

// Cache keeps objects (nodes and pages) in fixed frame pools and writes them back to
// the log. One activity runs inside the cache at a time, holding mu. An activity only
// gives mu up at a suspension point (await), and io completions take it like any other
// activity.
type Cache struct {
	log			*slog.Logger
	mu			sync.Mutex
	cfg			Config

	nodes		*Pool
	pages		*Pool
	objects		map[objKey]*Frame
	refs		refArena
	pot			pot
	potGrabs	int // activities suspended grabbing a pot buffer

	cleanReqs	reqPool
	readReqs	reqPool
	inflight	int
	ioWait		WaitQueue

	store		*logstore.Store
	dir			*logdir.Directory
	gen			uint64
	ckpt		checkpoint

	stats		counters
	closed		bool
}

type counters struct {
	cleans, zeroCleans, potWrites, steals, discards, mitigations, copies int
	writeErrors, entries, checkpoints, fetches, agePasses int
}

// Create builds a cache over store and dir. The cache does not own them.
func Create(cfg Config, store *logstore.Store, dir *logdir.Directory) (*Cache, error) {
	if err := cfg.validate(); err != nil { return nil, err }
	if dir.Cap() < cfg.DirCapacity() {
		return nil, fmt.Errorf("%w: directory holds %d entries, need %d", ErrConfig, dir.Cap(), cfg.DirCapacity())
	}

	nodes, err := createPool(KindNode, cfg.NodeFrames, frameSize(KindNode), 0)
	if err != nil { return nil, err }
	pages, err := createPool(KindPage, cfg.PageFrames, frameSize(KindPage), cfg.PotReserve)
	if err != nil {
		nodes.destroy()
		return nil, err
	}

	stableGen, _ := dir.Stable()
	cache := Cache{
		log: 		slog.With("src", "ObjCache"),
		cfg: 		cfg,
		nodes: 		nodes,
		pages: 		pages,
		objects: 	make(map[objKey]*Frame, cfg.NodeFrames + cfg.PageFrames),
		cleanReqs: 	createReqPool("clean", cfg.CleanRequests),
		readReqs: 	createReqPool("read", cfg.ReadRequests),
		store: 		store,
		dir: 		dir,
		gen: 		stableGen + 1,
	}
	cache.pot.members = make([]potMember, 0, POT_NODES)

	cache.log.Info("Create", "nodes", cfg.NodeFrames, "pages", cfg.PageFrames, "gen", cache.gen)
	return &cache, nil
}

// Close waits for outstanding io and releases the pools. Dirty frames are not written,
// call CleanAll or Checkpoint first.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed { return ErrClosed }
	c.waitIdle()
	c.closed = true
	if n := c.dirtyCount(); n > 0 { c.log.Warn("Close: dropping dirty frames", "dirty", n) }
	return errors.Join(c.nodes.destroy(), c.pages.destroy())
}

// Entry points without an error return treat use after Close as a logic error.
func (c *Cache) mustBeOpen(op string) {
	if c.closed { c.fatal(ErrClosed, "op", op) }
}

func (c *Cache) mustBeBound(f *Frame) {
	if f.obType == ObFree || f.obType == ObNewAlloc { c.fatal(ErrNotAllocated, "frame", f) }
}

func (c *Cache) touch(f *Frame) {
	f.meta.age = AgeNewBorn
}

func (c *Cache) bind(f *Frame, oid uint64, t ObType) {
	if f.obType != ObNewAlloc { c.fatal(ErrBadType, "op", "bind", "frame", f) }
	f.allocCount++
	f.obType = t
	f.meta.oid = oid
	f.meta.age = AgeNewBorn
	c.objects[f.key()] = f
}

func typeFits(kind FrameKind, t ObType) bool {
	if kind == KindNode { return t == ObNode || t == ObKernelNode }
	return t == ObDataPage || t == ObDevicePage
}

// BindObject gives a frame from GrabNodeFrame or GrabPageFrame an identity.
func (c *Cache) BindObject(f *Frame, oid uint64, t ObType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return ErrClosed }

	if !typeFits(f.kind, t) { return fmt.Errorf("%w: %v frame as %v", ErrBadType, f.kind, t) }
	if c.objects[objKey{f.kind, oid}] != nil { return fmt.Errorf("%w: %v %x", ErrExists, f.kind, oid) }
	c.bind(f, oid, t)
	return nil
}

func (c *Cache) create(kind FrameKind, oid uint64) (*Frame, error) {
	key := objKey{kind, oid}
	if c.objects[key] != nil { return nil, fmt.Errorf("%w: %v %x", ErrExists, kind, oid) }
	f := c.grab(c.pool(kind), false)
	if c.objects[key] != nil {
		c.free(f)
		return nil, fmt.Errorf("%w: %v %x", ErrExists, kind, oid)
	}
	c.bind(f, oid, persistentType(kind))
	f.meta.pins++
	return f, nil
}

// NewPage makes a zero page for a new object. The frame comes back pinned.
func (c *Cache) NewPage(oid uint64) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return nil, ErrClosed }
	return c.create(KindPage, oid)
}

func (c *Cache) NewNode(oid uint64) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return nil, ErrClosed }
	return c.create(KindNode, oid)
}

// Lookup returns the resident frame of an object, or nil. It does not pin.
func (c *Cache) Lookup(kind FrameKind, oid uint64) *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return nil }
	return c.objects[objKey{kind, oid}]
}

func (c *Cache) Pin(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("Pin")

	c.mustBeBound(f)
	f.meta.pins++
	c.touch(f)
}

func (c *Cache) Unpin(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("Unpin")
	c.unpin(f)
}

func (c *Cache) unpin(f *Frame) {
	c.mustBeBound(f)
	m := &f.meta
	if m.pins == 0 { c.fatal(ErrUnpinned, "frame", f) }
	m.pins--
	if f.obType == ObWorkingCopy { c.retire(f) }
}

// Takes a resident object out of write-back. Whatever was dirty in it is dropped.
func (c *Cache) retype(f *Frame, from ObType, to ObType) error {
	c.mustBeBound(f)
	if f.obType != from { return fmt.Errorf("%w: %v is not a %v", ErrBadType, f, from) }
	m := &f.meta
	if m.ioreq != nil || m.kro() { return fmt.Errorf("%w: %v", ErrBusy, f) }
	f.obType = to
	m.flags &^= FlagDirty
	return nil
}

// MarkDevice turns a data page into a device page, which is never written back.
func (c *Cache) MarkDevice(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return ErrClosed }
	return c.retype(f, ObDataPage, ObDevicePage)
}

// MarkKernel turns a node into a kernel node, which is never cleaned or evicted.
func (c *Cache) MarkKernel(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return ErrClosed }
	return c.retype(f, ObNode, ObKernelNode)
}

func (c *Cache) Touch(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("Touch")

	c.mustBeBound(f)
	c.touch(f)
}

type Stats struct {
	NodeFrames		int
	PageFrames		int
	FreeNodes		int
	FreePages		int
	DirtyFrames		int
	KROFrames		int
	WorkingCopies	int
	LiveRefs		int
	InFlight		int
	CleanRequests	int // held, out of Config.CleanRequests
	ReadRequests	int

	Cleans			int // frames written, pot members counted one by one
	ZeroCleans		int
	PotWrites		int
	Steals			int
	Discards		int // writes thrown away because the frame changed in flight
	Mitigations		int
	Copies			int
	WriteErrors		int
	Entries			int
	Checkpoints		int
	Fetches			int
	AgePasses		int

	Generation		uint64
	Checkpointing	bool
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	wc := 0
	for i := range c.pages.frames {
		if c.pages.frames[i].obType == ObWorkingCopy { wc++ }
	}
	s := c.stats
	return Stats{
		NodeFrames: 	c.nodes.Size(),
		PageFrames: 	c.pages.Size(),
		FreeNodes: 		c.nodes.Free(),
		FreePages: 		c.pages.Free(),
		DirtyFrames: 	c.dirtyCount(),
		KROFrames: 		c.ckpt.kroCount,
		WorkingCopies: 	wc,
		LiveRefs: 		c.refs.live(),
		InFlight: 		c.inflight,
		CleanRequests: 	c.cleanReqs.tickets.Held(),
		ReadRequests: 	c.readReqs.tickets.Held(),
		Cleans: 		s.cleans,
		ZeroCleans: 	s.zeroCleans,
		PotWrites: 		s.potWrites,
		Steals: 		s.steals,
		Discards: 		s.discards,
		Mitigations: 	s.mitigations,
		Copies: 		s.copies,
		WriteErrors: 	s.writeErrors,
		Entries: 		s.entries,
		Checkpoints: 	s.checkpoints,
		Fetches: 		s.fetches,
		AgePasses: 		s.agePasses,
		Generation: 	c.gen,
		Checkpointing: 	c.ckpt.active,
	}
}
