package objcache

type RefKind uint8
const (
	RefCapability	RefKind = iota // stays valid until the frame is stolen
	RefMapping					   // dropped early, once the frame reaches AgeInvalidate
)

func (k RefKind) String() string {
	if k == RefMapping { return "mapping" }
	return "capability"
}

// Ref is a weak handle on a frame. Holders keep the Ref, the frame keeps the list of
// Refs pointing at it (its keyRing), so the cache can cut every holder off at once.
// A Ref whose slot has been reused fails its generation check.
type Ref struct {
	slot	uint32
	gen		uint32
}

func (r Ref) Valid() bool {
	return r.gen != 0
}

type backRef struct {
	frame	*Frame
	kind	RefKind
	gen		uint32
	live	bool
}

type refArena struct {
	slots	[]backRef
	free	[]uint32
}

func (a *refArena) add(f *Frame, kind RefKind) Ref {
	var slot uint32
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		slot = uint32(len(a.slots))
		a.slots = append(a.slots, backRef{})
	}
	b := &a.slots[slot]
	b.gen++
	if b.gen == 0 { b.gen = 1 }
	b.frame = f
	b.kind = kind
	b.live = true
	return Ref{slot, b.gen}
}

func (a *refArena) resolve(r Ref) (*backRef, bool) {
	if !r.Valid() || int(r.slot) >= len(a.slots) { return nil, false }
	b := &a.slots[r.slot]
	if !b.live || b.gen != r.gen { return nil, false }
	return b, true
}

func (a *refArena) kill(r Ref) {
	b, ok := a.resolve(r)
	if !ok { return }
	b.live = false
	b.frame = nil
	a.free = append(a.free, r.slot)
}

func (a *refArena) live() int {
	return len(a.slots) - len(a.free)
}

func (m *ObjectMeta) unlink(r Ref) {
	for i, x := range m.keyRing {
		if x == r {
			last := len(m.keyRing) - 1
			m.keyRing[i] = m.keyRing[last]
			m.keyRing = m.keyRing[:last]
			return
		}
	}
}

// Invalidates every ref on f of the given kind.
func (c *Cache) invalidateRefs(f *Frame, kind RefKind) int {
	m := f.m()
	n := 0
	keep := m.keyRing[:0]
	for _, r := range m.keyRing {
		b, ok := c.refs.resolve(r)
		if ok && b.kind != kind {
			keep = append(keep, r)
			continue
		}
		c.refs.kill(r)
		n++
	}
	m.keyRing = keep
	return n
}

func (c *Cache) invalidateAllRefs(f *Frame) int {
	m := f.m()
	n := len(m.keyRing)
	for _, r := range m.keyRing {
		c.refs.kill(r)
	}
	m.keyRing = m.keyRing[:0]
	return n
}

// Points every ref on from at to instead.
func (c *Cache) moveRefs(from, to *Frame) {
	fm, tm := from.m(), to.m()
	for _, r := range fm.keyRing {
		if b, ok := c.refs.resolve(r); ok {
			b.frame = to
			tm.keyRing = append(tm.keyRing, r)
		}
	}
	fm.keyRing = fm.keyRing[:0]
}

// AddRef records a new holder of f.
func (c *Cache) AddRef(f *Frame, kind RefKind) Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeOpen("AddRef")

	c.mustBeBound(f)
	r := c.refs.add(f, kind)
	f.meta.keyRing = append(f.meta.keyRing, r)
	c.touch(f)
	return r
}

func (c *Cache) DropRef(r Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return }

	b, ok := c.refs.resolve(r)
	if !ok { return }
	b.frame.meta.unlink(r)
	c.refs.kill(r)
}

// Deref follows r and counts as a use of the frame. Returns false once the cache has
// invalidated r.
func (c *Cache) Deref(r Ref) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return nil, false }

	b, ok := c.refs.resolve(r)
	if !ok { return nil, false }
	c.touch(b.frame)
	return b.frame, true
}
