package objcache

func (c *Cache) setKRO(f *Frame) {
	m := &f.meta
	if m.kro() { return }
	m.flags |= FlagKRO
	c.ckpt.kroCount++
}

// The checkpoint image in f is durable, or has moved to another frame. The last one
// to clear completes the checkpoint.
func (c *Cache) clearKRO(f *Frame) {
	m := &f.meta
	if !m.kro() { return }
	m.flags &^= FlagKRO
	c.ckpt.kroCount--
	f.waitq.wakeAll()
	if c.ckpt.kroCount == 0 && c.ckpt.active { c.finishCheckpoint() }
}

// Marks f dirty so its content can be changed, first getting the checkpoint image out
// of the way if f holds one. Returns the frame that now holds the live object, which
// differs from f when a page had to be copied. May suspend.
func (c *Cache) makeDirty(f *Frame) *Frame {
	for {
		c.mustBeBound(f)
		switch f.obType {
		case ObDataPage, ObNode, ObDevicePage, ObKernelNode:
		default:
			c.fatal(ErrBadType, "op", "makeDirty", "frame", f)
		}

		m := &f.meta
		if !m.kro() {
			m.flags |= FlagDirty
			m.epoch++
			m.age = AgeNewBorn
			return f
		}

		c.stats.mitigations++
		if f.kind == KindPage {
			f = c.mitigatePage(f)
		} else {
			c.mitigateNode(f)
		}
	}
}

// Splits a KRO page into the checkpoint image and the live object. When the old frame
// is busy (write in flight or pinned) it keeps the image and the copy takes over the
// live role along with its refs and the caller's pin. Otherwise the copy takes the
// image and goes to the log while the old frame stays live.
func (c *Cache) mitigatePage(f *Frame) *Frame {
	key := f.key()
	m := &f.meta
	m.holds++
	nf := c.grab(c.pages, false)
	m.holds--

	if live := c.objects[key]; live != f {
		c.free(nf)
		return c.follow(f, live)
	}
	if !m.kro() {
		c.free(nf)
		return f
	}

	copy(nf.data, f.data)
	nf.allocCount++
	nm := &nf.meta
	nm.oid = m.oid
	c.stats.copies++

	if m.ioreq != nil || m.pins > 0 {
		nf.obType = ObDataPage
		if m.pins > 0 {
			m.pins--
			nm.pins++
		}
		c.moveRefs(f, nf)
		c.objects[f.key()] = nf
		f.obType = ObWorkingCopy
		if m.ioreq == nil { c.cleanPage(f, false) }

		c.log.Debug("mitigatePage: live object moved", "from", f, "to", nf)
		return nf
	}

	nf.obType = ObWorkingCopy
	nm.flags = FlagDirty
	c.setKRO(nf)
	c.clearKRO(f)
	c.cleanPage(nf, false)

	c.log.Debug("mitigatePage: image copied out", "frame", f, "copy", nf)
	return f
}

// Another activity moved the live object off f while this one was suspended. The
// caller's pin (if any) goes after the object, and f is retired if that was its last use.
func (c *Cache) follow(f *Frame, live *Frame) *Frame {
	m := &f.meta
	if live == nil {
		// the copy was stolen already, it is clean so a fetch finds it
		m.holds++
		nf, err := c.fetch(f.kind, m.oid)
		m.holds--
		if err != nil { c.fatal(err, "op", "follow", "frame", f) }
		live = nf
		live.meta.pins--
	}
	if m.pins > 0 {
		m.pins--
		live.meta.pins++
	}
	if f.obType == ObWorkingCopy { c.retire(f) }

	c.log.Debug("mitigatePage: following moved object", "from", f, "to", live)
	return live
}

// Nodes are never copied. Pushes the node out in a pot (or waits for the write it is
// already part of) until its image is durable. May suspend.
func (c *Cache) mitigateNode(f *Frame) {
	m := &f.meta
	m.holds++
	defer func() { m.holds-- }()

	if m.ioreq == nil && m.dirty() {
		c.potAdd(f)
		if m.inPot { c.flushPot() }
	}
	for m.kro() && m.ioreq != nil {
		c.await(&f.waitq)
	}
}

// MakeDirty announces a change to f's content. Use the returned frame from then on,
// if f was pinned the caller's pin is on the returned frame.
func (c *Cache) MakeDirty(f *Frame) *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("MakeDirty")
	return c.makeDirty(f)
}

// Mutate dirties f and applies fn to its content, with the cache locked.
func (c *Cache) Mutate(f *Frame, fn func(data []byte)) *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("Mutate")
	f = c.makeDirty(f)
	fn(f.data)
	return f
}
