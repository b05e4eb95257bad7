// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U16 	= 0x02
const LEN_U32 	= 0x04
const LEN_U64 	= 0x08

const _OS_PAGE			= 0x1000
const PAGE_SIZE 		= _OS_PAGE

// A capability slot is opaque to the cache, we only move its bytes around.
const KEY_SIZE			= 0x10
const NODE_SLOTS		= 0x10
const NODE_SIZE			= KEY_SIZE * NODE_SLOTS

func LocToOffset(loc uint64) uint64 {
	return loc * PAGE_SIZE
}

// Alias for endianness, so every on-log structure agrees on it (here).
// BigEndian is easier to read in hexdumps of the log.
var Bin = binary.BigEndian
