package objcache

import (
	"fmt"

	c "objcache/internal"
	"objcache/internal/logdir"
	"objcache/internal/logstore"
	"objcache/internal/util"

	"github.com/cespare/xxhash"
	"github.com/negrel/assert"
)

// A pot is one log page carrying a batch of cleaned nodes.
const (
	potMagic			= "OBJPOT~~"
	offPotMagic			= 0x00
	offPotCount			= 0x08 // 2B
	offPotChecksum		= 0x18 // 8B xxhash of the header before it and all records
	POT_HEADER			= 0x20

	offRecOID			= 0x00
	offRecAllocCount	= 0x08
	offRecData			= 0x10
	POT_REC_SIZE		= offRecData + c.NODE_SIZE

	POT_NODES			= (c.PAGE_SIZE - POT_HEADER) / POT_REC_SIZE
)

type PotPage struct {
	raw		[]byte
}

func PotPageNew(raw []byte) PotPage {
	clear(raw)
	p := PotPage{raw: raw}
	copy(p.raw[offPotMagic:], potMagic)
	return p
}

func PotPageFrom(raw []byte) PotPage {
	return PotPage{raw: raw}
}

func (p *PotPage) Count() int				{ return int(c.Bin.Uint16(p.raw[offPotCount:])) }
func (p *PotPage) SetCount(n int)			{ c.Bin.PutUint16(p.raw[offPotCount:], uint16(n)) }
func (p *PotPage) Checksum() uint64			{ return c.Bin.Uint64(p.raw[offPotChecksum:]) }

func (p *PotPage) rec(i int) []byte {
	assert.Less(i, POT_NODES, "Pot slot out of range")
	off := POT_HEADER + i * POT_REC_SIZE
	return p.raw[off: off + POT_REC_SIZE]
}

func (p *PotPage) PutRecord(i int, oid uint64, allocCount uint32, node []byte) {
	r := p.rec(i)
	c.Bin.PutUint64(r[offRecOID:], oid)
	c.Bin.PutUint32(r[offRecAllocCount:], allocCount)
	copy(r[offRecData:], node[:c.NODE_SIZE])
}

func (p *PotPage) Record(i int) (oid uint64, allocCount uint32, node []byte) {
	r := p.rec(i)
	return c.Bin.Uint64(r[offRecOID:]), c.Bin.Uint32(r[offRecAllocCount:]), r[offRecData:]
}

func (p *PotPage) sum() uint64 {
	h := xxhash.New()
	h.Write(p.raw[:offPotChecksum])
	h.Write(p.raw[POT_HEADER:])
	return h.Sum64()
}

func (p *PotPage) Seal(count int) {
	p.SetCount(count)
	c.Bin.PutUint64(p.raw[offPotChecksum:], p.sum())
}

func (p *PotPage) Verify() error {
	switch {
	case string(p.raw[offPotMagic: offPotMagic + len(potMagic)]) != potMagic:
		return fmt.Errorf("%w: pot magic", ErrCorrupt)
	case p.Count() > POT_NODES:
		return fmt.Errorf("%w: pot count %d", ErrCorrupt, p.Count())
	case p.sum() != p.Checksum():
		return fmt.Errorf("%w: pot checksum", ErrCorrupt)
	}
	return nil
}

type pot struct {
	members		[]potMember
}

// Queues node f for the next pot, flushing once the pot is full.
func (c *Cache) potAdd(f *Frame) {
	m := &f.meta
	if m.inPot || m.ioreq != nil || !m.dirty() || !c.cleanable(f) { return }
	m.inPot = true
	c.pot.members = append(c.pot.members, potMember{frame: f, allocCount: f.allocCount})
	if len(c.pot.members) >= POT_NODES { c.flushPot() }
}

// Drops members that went stale. Null nodes are recorded right away, they need no
// space in the log.
func (c *Cache) potFilter(members []potMember) []potMember {
	live := members[:0]
	for _, pm := range members {
		f := pm.frame
		if f.allocCount != pm.allocCount || f.obType != ObNode { continue }
		m := &f.meta
		if !m.dirty() || m.ioreq != nil || !c.cleanable(f) { continue }

		if util.IsZero(f.data) {
			m.flags &^= FlagDirty
			c.record(logdir.Entry{
				Kind: 		KindNode,
				AllocCount: f.allocCount,
				OID: 		m.oid,
				Loc: 		logstore.NoLoc,
				Generation: c.entryGen(f),
			})
			c.stats.zeroCleans++
			c.written(f)
			continue
		}
		live = append(live, pm)
	}
	return live
}

// Writes the current pot out. May suspend for a request and a buffer page, which may
// in turn age the page pool.
func (c *Cache) flushPot() {
	members := c.pot.members
	c.pot.members = make([]potMember, 0, POT_NODES)
	for _, pm := range members {
		if pm.frame.allocCount == pm.allocCount { pm.frame.meta.inPot = false }
	}

	live := c.potFilter(members)
	if len(live) == 0 { return }
	req := c.acquireReq(&c.cleanReqs)
	c.potGrabs++
	buf := c.grab(c.pages, true)
	c.potGrabs--

	live = c.potFilter(live)
	if len(live) == 0 {
		c.releaseReq(req)
		c.free(buf)
		return
	}

	buf.obType = ObLogPot
	pp := PotPageNew(buf.data)
	for i := range live {
		pm := &live[i]
		f := pm.frame
		m := &f.meta
		pp.PutRecord(i, m.oid, f.allocCount, f.data)
		pm.epoch = m.epoch
		pm.gen = c.entryGen(f)
		m.ioreq = req
		m.flags &^= FlagDirty
	}
	pp.Seal(len(live))

	req.buf = buf
	req.members = live
	req.loc = c.store.Alloc()
	c.inflight++
	c.stats.potWrites++
	c.stats.cleans += len(live)

	c.log.Debug("flushPot", "nodes", len(live), "loc", req.loc)
	c.store.Write(buf.data, req.loc, func(err error) { c.potWritten(req, err) })
}

func (c *Cache) potWritten(req *IORequest, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight--
	if err != nil {
		c.log.Error("potWritten: write failed", "loc", req.loc, "nodes", len(req.members), "err", err)
		c.stats.writeErrors++
	}

	for i, pm := range req.members {
		f := pm.frame
		m := &f.meta
		if f.allocCount != pm.allocCount || m.ioreq != req {
			c.fatal(ErrNotAllocated, "frame", f, "pm.allocCount", pm.allocCount)
		}
		m.ioreq = nil

		switch {
		case err != nil:
			m.flags |= FlagDirty
		case m.epoch != pm.epoch:
			c.stats.discards++
		default:
			c.record(logdir.Entry{
				Kind: 		KindNode,
				Index: 		uint16(i),
				AllocCount: pm.allocCount,
				OID: 		m.oid,
				Loc: 		req.loc,
				Generation: pm.gen,
			})
			c.written(f)
		}
		f.waitq.wakeAll()
	}

	c.free(req.buf)
	c.releaseReq(req)
	c.ioWait.wakeAll()
}
