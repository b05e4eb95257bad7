package objcache

import (
	"fmt"
	"time"
)

type checkpoint struct {
	active		bool
	gen			uint64
	kroCount	int
	started		time.Time
}

// Freezes every object with an undurable version as the checkpoint image. Completes on
// the spot when there is none.
func (c *Cache) beginCheckpoint() uint64 {
	gen := c.gen
	c.ckpt.active = true
	c.ckpt.gen = gen
	c.ckpt.started = time.Now()
	c.gen++

	for _, p := range []*Pool{c.nodes, c.pages} {
		for i := range p.frames {
			f := &p.frames[i]
			if f.obType == ObFree || !f.persistent() { continue }
			if f.meta.dirty() || f.meta.ioreq != nil { c.setKRO(f) }
		}
	}
	c.log.Info("beginCheckpoint", "gen", gen, "kro", c.ckpt.kroCount)

	if c.ckpt.kroCount == 0 { c.finishCheckpoint() }
	return gen
}

func (c *Cache) finishCheckpoint() {
	gen := c.ckpt.gen
	head := c.store.Head()
	if err := c.dir.Commit(gen, head); err != nil {
		c.fatal(ErrLogFailure, "op", "commit", "gen", gen, "err", err)
	}
	c.ckpt.active = false
	c.stats.checkpoints++
	c.ioWait.wakeAll()
	c.log.Info("finishCheckpoint", "gen", gen, "head", head, "took", time.Since(c.ckpt.started))
}

// Starts write-back of p's checkpoint image. May suspend.
func (c *Cache) pushCheckpoint(p *Pool) {
	for i := range p.frames {
		if !c.ckpt.active { return }
		f := &p.frames[i]
		if f.obType == ObFree { continue }
		m := &f.meta
		if !m.kro() || !m.dirty() || m.ioreq != nil { continue }
		if p.kind == KindPage {
			c.cleanPage(f, true)
		} else {
			c.potAdd(f)
		}
	}
	if p.kind == KindNode && len(c.pot.members) > 0 { c.flushPot() }
}

// Drives the active checkpoint to completion. May suspend.
func (c *Cache) stabilize() error {
	gen := c.ckpt.gen
	for c.ckpt.active && c.ckpt.gen == gen {
		errs := c.stats.writeErrors
		c.pushCheckpoint(c.pages)
		c.pushCheckpoint(c.nodes)
		if !c.ckpt.active { break }
		if c.inflight > 0 { c.await(&c.ioWait) }
		if c.stats.writeErrors != errs {
			return fmt.Errorf("%w: checkpoint gen %d", ErrIO, gen)
		}
	}
	return nil
}

// BeginCheckpoint returns the generation being checkpointed. The working generation
// moves on to the next one.
func (c *Cache) BeginCheckpoint() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return 0, ErrClosed }

	if c.ckpt.active { return 0, fmt.Errorf("%w: gen %d", ErrCheckpointActive, c.ckpt.gen) }
	return c.beginCheckpoint(), nil
}

// Stabilize waits until the active checkpoint (if any) is durable and committed.
func (c *Cache) Stabilize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return ErrClosed }

	if !c.ckpt.active { return nil }
	return c.stabilize()
}

// Checkpoint takes a full checkpoint and waits for it.
func (c *Cache) Checkpoint() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed { return 0, ErrClosed }

	if c.ckpt.active {
		if err := c.stabilize(); err != nil { return 0, err }
	}
	gen := c.beginCheckpoint()
	if c.ckpt.active {
		if err := c.stabilize(); err != nil { return 0, err }
	}
	return gen, nil
}

func (c *Cache) CheckpointActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ckpt.active
}

// Working generation, the one new writes belong to.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}
