package logdir

import (
	"errors"
	"fmt"

	c "objcache/internal"
	"objcache/internal/logstore"

	"github.com/cespare/xxhash"
)

type Kind uint8
const (
	KindNone Kind = iota
	KindNode
	KindPage
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindPage:
		return "page"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Entry says where the durable value of one object version lives. Loc == NoLoc means
// the object is the zero value (zero page, null node) and nothing was written.
type Entry struct {
	Kind		Kind
	Index		uint16 // slot in the pot, nodes only
	AllocCount	uint32
	OID			uint64
	Loc			logstore.Loc
	Generation	uint64
}

func (e Entry) Zero() bool {
	return e.Loc == logstore.NoLoc
}

// Encoded entry, fixed size.
const (
	ENTRY_SIZE		= 0x28
	offKind			= 0x00 // 1B
	offIndex		= 0x02 // 2B
	offAllocCount	= 0x04 // 4B
	offOID			= 0x08 // 8B
	offLoc			= 0x10 // 8B
	offGeneration	= 0x18 // 8B
	offChecksum		= 0x20 // 8B xxhash of [0, offChecksum)
)

var ErrBadEntry = errors.New("logdir: bad entry")

func (e Entry) Encode(raw []byte) {
	clear(raw[:ENTRY_SIZE])
	raw[offKind] = byte(e.Kind)
	c.Bin.PutUint16(raw[offIndex:], e.Index)
	c.Bin.PutUint32(raw[offAllocCount:], e.AllocCount)
	c.Bin.PutUint64(raw[offOID:], e.OID)
	c.Bin.PutUint64(raw[offLoc:], uint64(e.Loc))
	c.Bin.PutUint64(raw[offGeneration:], e.Generation)
	c.Bin.PutUint64(raw[offChecksum:], xxhash.Sum64(raw[:offChecksum]))
}

func DecodeEntry(raw []byte) (Entry, error) {
	if len(raw) < ENTRY_SIZE { return Entry{}, fmt.Errorf("%w: %d bytes", ErrBadEntry, len(raw)) }
	if sum := c.Bin.Uint64(raw[offChecksum:]); sum != xxhash.Sum64(raw[:offChecksum]) {
		return Entry{}, fmt.Errorf("%w: checksum %016x", ErrBadEntry, sum)
	}
	return Entry{
		Kind: 		Kind(raw[offKind]),
		Index: 		c.Bin.Uint16(raw[offIndex:]),
		AllocCount: c.Bin.Uint32(raw[offAllocCount:]),
		OID: 		c.Bin.Uint64(raw[offOID:]),
		Loc: 		logstore.Loc(c.Bin.Uint64(raw[offLoc:])),
		Generation: c.Bin.Uint64(raw[offGeneration:]),
	}, nil
}

// key for the sinks: kind then big endian oid, so a bucket scan walks objects in order
func objKey(kind Kind, oid uint64) []byte {
	key := make([]byte, 1 + c.LEN_U64)
	key[0] = byte(kind)
	c.Bin.PutUint64(key[1:], oid)
	return key
}
