package objcache

import (
	"fmt"

	"objcache/internal/logdir"
)

func persistentType(kind FrameKind) ObType {
	if kind == KindNode { return ObNode }
	return ObDataPage
}

// Brings the newest durable version of an object in, or finds it already resident.
// The frame comes back pinned. May suspend.
func (c *Cache) fetch(kind FrameKind, oid uint64) (*Frame, error) {
	key := objKey{kind, oid}
	for {
		if f := c.objects[key]; f != nil {
			if f.meta.flags&FlagFetching != 0 {
				c.await(&f.waitq)
				continue
			}
			f.meta.pins++
			c.touch(f)
			return f, nil
		}

		e, ok, err := c.dir.Lookup(kind, oid)
		if err != nil { return nil, err }
		if !ok { return nil, fmt.Errorf("%w: %v %x", ErrNotFound, kind, oid) }

		f := c.grab(c.pool(kind), false)
		if c.objects[key] != nil {
			c.free(f)
			continue
		}
		c.bind(f, oid, persistentType(kind))
		m := &f.meta
		if e.Zero() {
			m.pins++
			c.stats.fetches++
			return f, nil
		}

		m.flags |= FlagFetching
		err = c.readInto(f, e)
		m.flags &^= FlagFetching
		f.waitq.wakeAll()
		if err != nil {
			c.log.Warn("fetch: read failed", "kind", kind, "oid", oid, "loc", e.Loc, "err", err)
			c.free(f)
			return nil, err
		}
		m.pins++
		c.stats.fetches++
		return f, nil
	}
}

// Reads e's version into f, through a pot buffer for nodes. May suspend.
func (c *Cache) readInto(f *Frame, e logdir.Entry) error {
	req := c.acquireReq(&c.readReqs)
	req.frame = f
	req.loc = e.Loc

	buf := f.data
	if f.kind == KindNode {
		c.potGrabs++
		req.buf = c.grab(c.pages, true)
		c.potGrabs--
		req.buf.obType = ObLogPot
		buf = req.buf.data
	}

	c.inflight++
	c.store.Read(buf, e.Loc, func(err error) { c.readDone(req, err) })
	for !req.done {
		c.await(&f.waitq)
	}

	err := req.err
	if err == nil && f.kind == KindNode { err = unpot(f, req.buf.data, e) }
	if req.buf != nil { c.free(req.buf) }
	c.releaseReq(req)
	return err
}

func (c *Cache) readDone(req *IORequest, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.done = true
	req.err = err
	c.inflight--
	req.frame.waitq.wakeAll()
	c.ioWait.wakeAll()
}

func unpot(f *Frame, raw []byte, e logdir.Entry) error {
	pp := PotPageFrom(raw)
	if err := pp.Verify(); err != nil { return err }
	i := int(e.Index)
	if i >= pp.Count() { return fmt.Errorf("%w: pot slot %d of %d", ErrCorrupt, i, pp.Count()) }
	oid, _, node := pp.Record(i)
	if oid != e.OID { return fmt.Errorf("%w: pot slot %d holds %x, want %x", ErrCorrupt, i, oid, e.OID) }
	copy(f.data, node)
	return nil
}

func (c *Cache) FetchPage(oid uint64) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return nil, ErrClosed }
	return c.fetch(KindPage, oid)
}

func (c *Cache) FetchNode(oid uint64) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return nil, ErrClosed }
	return c.fetch(KindNode, oid)
}
