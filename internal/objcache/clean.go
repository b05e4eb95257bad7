package objcache

import (
	"fmt"

	"objcache/internal/logdir"
	"objcache/internal/logstore"
	"objcache/internal/util"
)

// While a checkpoint is active only the checkpoint image (KRO frames) may be written,
// everything dirtied since waits for the next generation.
func (c *Cache) cleanable(f *Frame) bool {
	if !f.cleanableType() { return false }
	return !c.ckpt.active || f.meta.kro()
}

// Generation a write of f started now belongs to.
func (c *Cache) entryGen(f *Frame) uint64 {
	if f.meta.kro() { return c.ckpt.gen }
	return c.gen
}

func (c *Cache) record(e logdir.Entry) {
	if err := c.dir.Append(e); err != nil {
		c.fatal(ErrLogFailure, "err", err, "entry", e)
	}
	c.stats.entries++
	// past half the directory a checkpoint has to start, or it fills up
	if !c.ckpt.active && c.dir.Len() >= c.dir.Cap() / 2 {
		c.log.Info("record: directory half full, starting checkpoint", "len", c.dir.Len())
		c.beginCheckpoint()
	}
}

// Starts writing page f back. A zero page is recorded as such without any io. Returns
// the request, or nil if nothing was started. With wait set it may suspend for a free
// request, otherwise it gives up.
func (c *Cache) cleanPage(f *Frame, wait bool) *IORequest {
	m := &f.meta
	if !m.dirty() || m.ioreq != nil || !c.cleanable(f) { return nil }

	if util.IsZero(f.data) {
		m.flags &^= FlagDirty
		c.record(logdir.Entry{
			Kind: 		KindPage,
			AllocCount: f.allocCount,
			OID: 		m.oid,
			Loc: 		logstore.NoLoc,
			Generation: c.entryGen(f),
		})
		c.stats.zeroCleans++
		c.written(f)
		return nil
	}

	var req *IORequest
	if wait {
		ac := f.allocCount
		req = c.acquireReq(&c.cleanReqs)
		if f.allocCount != ac || !m.dirty() || m.ioreq != nil || !c.cleanable(f) {
			c.releaseReq(req)
			return nil
		}
	} else {
		var ok bool
		if req, ok = c.tryAcquireReq(&c.cleanReqs); !ok { return nil }
	}

	req.frame = f
	req.loc = c.store.Alloc()
	req.allocCount = f.allocCount
	req.epoch = m.epoch
	req.gen = c.entryGen(f)
	m.ioreq = req
	// optimistic, a mutation while the write is in flight bumps the epoch and the
	// completion then throws the result away
	m.flags &^= FlagDirty
	c.inflight++
	c.stats.cleans++

	c.log.Debug("cleanPage", "frame", f, "loc", req.loc, "gen", req.gen)
	c.store.Write(f.data, req.loc, func(err error) { c.pageWritten(req, err) })
	return req
}

// The frame's current content is durable.
func (c *Cache) written(f *Frame) {
	c.clearKRO(f)
	if f.obType == ObWorkingCopy { c.retire(f) }
}

// Frees a working copy once nobody holds it.
func (c *Cache) retire(f *Frame) {
	m := &f.meta
	if m.dirty() || m.ioreq != nil || m.pins > 0 || m.holds > 0 { return }
	c.steal(f)
}

func (c *Cache) pageWritten(req *IORequest, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := req.frame
	m := &f.meta
	if f.allocCount != req.allocCount || m.ioreq != req {
		c.fatal(ErrNotAllocated, "frame", f, "req.allocCount", req.allocCount)
	}
	m.ioreq = nil
	c.inflight--

	switch {
	case err != nil:
		c.log.Error("pageWritten: write failed", "frame", f, "loc", req.loc, "err", err)
		m.flags |= FlagDirty
		c.stats.writeErrors++
	case m.epoch != req.epoch:
		c.log.Debug("pageWritten: mutated in flight, discarding", "frame", f, "loc", req.loc)
		c.stats.discards++
	default:
		c.record(logdir.Entry{
			Kind: 		KindPage,
			AllocCount: req.allocCount,
			OID: 		m.oid,
			Loc: 		req.loc,
			Generation: req.gen,
		})
		c.written(f)
	}

	c.releaseReq(req)
	f.waitq.wakeAll()
	c.ioWait.wakeAll()
}

// Starts write-back of every cleanable dirty frame. Nodes go out in pots.
func (c *Cache) cleanDirty() {
	for i := range c.pages.frames {
		f := &c.pages.frames[i]
		if f.obType != ObFree && f.meta.dirty() { c.cleanPage(f, true) }
	}
	for i := range c.nodes.frames {
		f := &c.nodes.frames[i]
		if f.obType != ObFree && f.meta.dirty() && f.meta.ioreq == nil && c.cleanable(f) {
			c.potAdd(f)
		}
	}
	if len(c.pot.members) > 0 { c.flushPot() }
}

func (c *Cache) waitIdle() {
	for c.inflight > 0 {
		c.await(&c.ioWait)
	}
}

// CleanAll writes back every dirty frame and waits until the log has all of it. An
// active checkpoint is completed first. Stops at the first round with failed writes,
// the failed frames stay dirty.
func (c *Cache) CleanAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return ErrClosed }

	for {
		errs := c.stats.writeErrors
		if c.ckpt.active {
			if err := c.stabilize(); err != nil { return err }
		}
		c.cleanDirty()
		c.waitIdle()
		if c.stats.writeErrors != errs {
			return fmt.Errorf("%w: %d writes failed", ErrIO, c.stats.writeErrors - errs)
		}
		if c.dirtyCount() == 0 { return nil }
	}
}

// WaitIdle blocks until no write or read is in flight.
func (c *Cache) WaitIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitIdle()
}

func (c *Cache) dirtyCount() int {
	n := 0
	for _, p := range []*Pool{c.nodes, c.pages} {
		for i := range p.frames {
			f := &p.frames[i]
			if f.obType != ObFree && f.cleanableType() && f.meta.dirty() { n++ }
		}
	}
	return n
}
