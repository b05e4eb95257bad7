package objcache

import (
	"fmt"

	"objcache/internal/logdir"

	"github.com/negrel/assert"
)

type FrameKind = logdir.Kind

const (
	KindNode = logdir.KindNode
	KindPage = logdir.KindPage
)

// ObType is the role a frame currently plays.
type ObType uint8
const (
	ObFree			ObType = iota // on a free list, no identity
	ObNewAlloc					  // grabbed, not yet bound to an object
	ObDataPage
	ObWorkingCopy				  // page holding a checkpoint image that is no longer current
	ObLogPot					  // page buffer for a pot of cleaned nodes
	ObDevicePage				  // hardware page, never persisted
	ObNode
	ObKernelNode				  // never cleaned or evicted
)

var obTypeNames = [...]string{
	ObFree: 		"Free",
	ObNewAlloc: 	"NewAlloc",
	ObDataPage: 	"DataPage",
	ObWorkingCopy: 	"WorkingCopy",
	ObLogPot: 		"LogPot",
	ObDevicePage: 	"DevicePage",
	ObNode: 		"Node",
	ObKernelNode: 	"KernelNode",
}

func (t ObType) String() string {
	if int(t) < len(obTypeNames) { return obTypeNames[t] }
	return fmt.Sprintf("ObType(%d)", uint8(t))
}

type Flags uint8
const (
	FlagDirty		Flags = 1 << iota // mutated since the last durable write
	FlagKRO							  // content is the checkpoint image, not to be mutated in place
	FlagFetching					  // inbound read in flight
)

// Age of a frame in eviction sweeps. Any reference resets it to AgeNewBorn.
type Age uint8
const (
	AgeNewBorn		Age = 0
	AgeInvalidate	Age = 2
	AgeClean		Age = 4
	AgeSteal		Age = 5
)

// ObjectMeta is only meaningful while the frame is bound (not ObFree).
type ObjectMeta struct {
	oid			uint64
	flags		Flags
	age			Age
	keyRing		[]Ref
	ioreq		*IORequest
	pins		int32
	holds		int32 // taken by a suspended activity, never handed to callers
	epoch		uint64 // bumped on every dirtying, a write only counts if it is unchanged
	inPot		bool
}

// A Frame is one slot of a pool. Its free link and its object identity are separate
// fields selected by obType, they never share storage.
//
// Frames are only ever touched with the cache lock held. Accessors are for callers
// that hold a pin (or tests that have waited for io to settle).
type Frame struct {
	index		int
	kind		FrameKind
	data		[]byte
	allocCount	uint32 // survives free, bumped whenever the bound identity changes
	obType		ObType
	free		*Frame // only while ObFree
	meta		ObjectMeta // only while not ObFree
	waitq		WaitQueue  // outlives identities, so waiters are never dropped
}

func (f *Frame) m() *ObjectMeta {
	assert.True(f.obType != ObFree, "frame metadata accessed on a free frame")
	return &f.meta
}

func (f *Frame) Index() int				{ return f.index }
func (f *Frame) Kind() FrameKind		{ return f.kind }
func (f *Frame) Type() ObType			{ return f.obType }
func (f *Frame) AllocCount() uint32		{ return f.allocCount }
func (f *Frame) OID() uint64			{ return f.m().oid }
func (f *Frame) Dirty() bool			{ return f.meta.flags&FlagDirty != 0 }
func (f *Frame) KRO() bool				{ return f.meta.flags&FlagKRO != 0 }
func (f *Frame) Fetching() bool			{ return f.meta.flags&FlagFetching != 0 }
func (f *Frame) Pinned() bool			{ return f.meta.pins > 0 }
func (f *Frame) Age() Age				{ return f.meta.age }
func (f *Frame) Refs() int				{ return len(f.meta.keyRing) }
func (f *Frame) Writing() bool			{ return f.meta.ioreq != nil }

// Read-only view. Writers go through Cache.MakeDirty or Cache.Mutate.
func (f *Frame) Data() []byte			{ return f.data }

func (f *Frame) String() string {
	if f.obType == ObFree {
		return fmt.Sprintf("%v#%d[Free ac=%d]", f.kind, f.index, f.allocCount)
	}
	m := &f.meta
	return fmt.Sprintf("%v#%d[%v oid=%x ac=%d fl=%03b age=%d pins=%d refs=%d io=%v]",
		f.kind, f.index, f.obType, m.oid, f.allocCount, m.flags, m.age, m.pins,
		len(m.keyRing), m.ioreq != nil)
}

// Bound to an object whose value belongs in the log.
func (f *Frame) persistent() bool {
	return f.obType == ObDataPage || f.obType == ObNode
}

func (f *Frame) cleanableType() bool {
	return f.obType == ObDataPage || f.obType == ObNode || f.obType == ObWorkingCopy
}

func (m *ObjectMeta) dirty() bool	{ return m.flags&FlagDirty != 0 }
func (m *ObjectMeta) kro() bool		{ return m.flags&FlagKRO != 0 }

type objKey struct {
	kind	FrameKind
	oid		uint64
}

func (f *Frame) key() objKey {
	return objKey{f.kind, f.meta.oid}
}
