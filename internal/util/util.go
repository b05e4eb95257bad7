package util

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Returns true if every byte of buf is zero.
func IsZero(buf []byte) bool {
	// compare a word at a time, pages are always a multiple of 8 long
	i := 0
	for ; i+8 <= len(buf); i += 8 {
		if binary.LittleEndian.Uint64(buf[i:]) != 0 {
			return false
		}
	}
	for ; i < len(buf); i++ {
		if buf[i] != 0 {
			return false
		}
	}
	return true
}

// HexDump renders the first limit bytes of data as u16 chunks, 32 bytes per row.
func HexDump(data []byte, limit int) string {
	if limit > len(data) {
		limit = len(data)
	}

	const bytesPerRow = 32
	var b strings.Builder
	fmt.Fprintf(&b, "%d bytes (0x%04x)\n", len(data), len(data))

	for i := 0; i < limit; i += bytesPerRow {
		fmt.Fprintf(&b, "+%04x | ", i)
		for j := 0; j < bytesPerRow; j += 2 {
			if i+j+1 < limit {
				fmt.Fprintf(&b, "%04x ", binary.BigEndian.Uint16(data[i+j:i+j+2]))
			}
			if (j+2)%8 == 0 {
				b.WriteString(" ")
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}
