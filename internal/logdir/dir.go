package logdir

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"objcache/internal/logstore"
)

var ErrFull = errors.New("logdir: directory full")

type objectId struct {
	kind	Kind
	oid		uint64
}

// Sink is where committed entries go. Everything in a sink belongs to a stable
// (fully durable) checkpoint.
type Sink interface {
	// Stores entries (later entries for the same object win) together with the new
	// stable generation and log head, atomically.
	Put(entries []Entry, gen uint64, head logstore.Loc) error
	Get(kind Kind, oid uint64) (Entry, bool, error)
	Stable() (gen uint64, head logstore.Loc, err error)
	Close() error
}

// Directory is the append-only index of object versions written since the last stable
// checkpoint. It is written by the cache and only read back by recovery (Lookup).
type Directory struct {
	log			*slog.Logger
	mu			sync.Mutex
	entries		[]Entry
	newest		map[objectId]int
	sink		Sink
	stableGen	uint64
	stableHead	logstore.Loc
}

func Create(capacity int, sink Sink) (*Directory, error) {
	gen, head, err := sink.Stable()
	if err != nil { return nil, fmt.Errorf("logdir: read stable state: %w", err) }

	d := Directory{
		log: 		slog.With("src", "LogDir"),
		entries: 	make([]Entry, 0, capacity),
		newest: 	make(map[objectId]int, capacity),
		sink: 		sink,
		stableGen: 	gen,
		stableHead: head,
	}
	d.log.Debug("Create", "capacity", capacity, "stableGen", gen, "stableHead", head)
	return &d, nil
}

func (d *Directory) Append(e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) == cap(d.entries) {
		return fmt.Errorf("%w: %d entries, uncommitted since gen %d", ErrFull, len(d.entries), d.stableGen)
	}
	d.newest[objectId{e.Kind, e.OID}] = len(d.entries)
	d.entries = append(d.entries, e)
	return nil
}

// Newest known entry for the object, committed or not.
func (d *Directory) Lookup(kind Kind, oid uint64) (Entry, bool, error) {
	d.mu.Lock()
	i, ok := d.newest[objectId{kind, oid}]
	var e Entry
	if ok { e = d.entries[i] }
	d.mu.Unlock()

	if ok { return e, true, nil }

	e, found, err := d.sink.Get(kind, oid)
	if err != nil || !found { return e, found, err }
	if e.Kind != kind || e.OID != oid {
		return Entry{}, false, fmt.Errorf("%w: %v %x stored under %v %x", ErrBadEntry, e.Kind, e.OID, kind, oid)
	}
	return e, true, nil
}

// Checkpoint boundary: every entry of generation <= gen moves to the sink and leaves
// the table. head is the log head once all of them are durable.
func (d *Directory) Commit(gen uint64, head logstore.Loc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Entry
	keep := d.entries[:0:0]
	for _, e := range d.entries {
		if e.Generation <= gen {
			out = append(out, e)
		} else {
			keep = append(keep, e)
		}
	}

	if err := d.sink.Put(out, gen, head); err != nil {
		return fmt.Errorf("logdir: commit gen %d: %w", gen, err)
	}

	// rebuild in place, capacity stays fixed
	d.entries = append(d.entries[:0], keep...)
	clear(d.newest)
	for i, e := range d.entries {
		d.newest[objectId{e.Kind, e.OID}] = i
	}
	d.stableGen = gen
	d.stableHead = head

	d.log.Info("Commit", "gen", gen, "head", head, "committed", len(out), "pending", len(d.entries))
	return nil
}

func (d *Directory) Stable() (uint64, logstore.Loc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stableGen, d.stableHead
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Directory) Cap() int {
	return cap(d.entries)
}

// Copy of the uncommitted entries, oldest first.
func (d *Directory) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *Directory) Close() error {
	return d.sink.Close()
}
