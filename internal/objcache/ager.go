package objcache

// AgingCursor is a pool's clock hand.
type AgingCursor struct {
	pos		int
}

func (cur *AgingCursor) next(p *Pool) *Frame {
	f := &p.frames[cur.pos]
	cur.pos = (cur.pos + 1) % len(p.frames)
	return f
}

func (cur *AgingCursor) Pos() int {
	return cur.pos
}

type visit uint8
const (
	visitSkip visit = iota
	visitAged
	visitStuck // pinned, fetching, uncleanable or held back by the checkpoint
	visitFreed
)

// Sweeps p until at least want frames are free. A pass frees nothing while frames are
// still climbing towards AgeSteal, so only passes that free nothing with no write
// outstanding count against the bound. Past the bound the pool is exhausted. May suspend.
func (c *Cache) age(p *Pool, want int) {
	idle := 0
	for p.nFree < want {
		freed, stuck := c.agePass(p, want)
		if freed > 0 || p.nFree >= want {
			idle = 0
			continue
		}

		if p.kind == KindNode && len(c.pot.members) > 0 { c.flushPot() }
		if c.ckpt.active {
			// frames dirtied since the checkpoint began wait for it to complete.
			// Nodes need pot buffers, so not from inside a pot buffer grab.
			c.pushCheckpoint(c.pages)
			if c.potGrabs == 0 { c.pushCheckpoint(c.nodes) }
		}
		if c.inflight > 0 {
			c.await(&c.ioWait)
			continue
		}

		idle++
		if idle > int(AgeSteal) + 1 {
			c.fatal(ErrExhausted, "kind", p.kind, "free", p.nFree, "want", want, "stuck", stuck)
		}
	}
}

func (c *Cache) agePass(p *Pool, want int) (freed int, stuck int) {
	c.stats.agePasses++
	for range len(p.frames) {
		if p.nFree >= want { break }
		switch c.ageFrame(p.cursor.next(p)) {
		case visitFreed:
			freed++
		case visitStuck:
			stuck++
		}
	}
	return freed, stuck
}

// One step of the aging protocol for f. May suspend (a page is cleaned and waited for
// before it is stolen).
func (c *Cache) ageFrame(f *Frame) visit {
	switch f.obType {
	case ObFree, ObNewAlloc, ObLogPot:
		return visitSkip
	}
	m := &f.meta
	if m.pins > 0 || m.holds > 0 || m.flags&FlagFetching != 0 || !f.cleanableType() {
		return visitStuck
	}
	if m.ioreq != nil { return visitSkip }

	if f.obType == ObWorkingCopy {
		if m.dirty() {
			c.cleanPage(f, false)
			return visitSkip
		}
		c.steal(f)
		return visitFreed
	}

	switch {
	case m.age == AgeInvalidate:
		c.invalidateRefs(f, RefMapping)
		m.age++
	case m.age < AgeClean:
		m.age++
	case m.age == AgeClean:
		if !m.dirty() {
			m.age++
			return visitAged
		}
		if !c.cleanable(f) { return visitStuck }
		if f.kind == KindNode {
			c.potAdd(f)
			m.age++
			return visitAged
		}
		return c.cleanAndSteal(f)
	default:
		if m.dirty() {
			if m.inPot {
				c.flushPot()
				return visitSkip
			}
			m.age = AgeClean
			return visitAged
		}
		c.steal(f)
		return visitFreed
	}
	return visitAged
}

// Writes page f back, waits for that write, and steals f if nothing used it meanwhile.
func (c *Cache) cleanAndSteal(f *Frame) visit {
	ac := f.allocCount
	c.cleanPage(f, true)
	for f.allocCount == ac && f.meta.ioreq != nil {
		c.await(&f.waitq)
	}
	if f.allocCount != ac { return visitSkip }

	m := &f.meta
	if m.dirty() || m.pins > 0 || m.holds > 0 || m.age != AgeClean || m.ioreq != nil || m.kro() {
		return visitSkip
	}
	c.steal(f)
	return visitFreed
}
