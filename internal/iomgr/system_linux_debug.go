//go:build linux

package iomgr

import (
	"fmt"
	"strings"
)

var opNames = [...]string{
	OpNop: 		"NOP",
	OpWrite: 	"WRITE",
	OpRead: 	"READ",
	OpSync: 	"FSYNC",
	OpAllocate: "FALLOCATE",
}

func (c OpCode) String() string {
	if int(c) < len(opNames) { return opNames[c] }
	return fmt.Sprintf("OpCode(%d)", uint16(c))
}

func (o *Op) String() string {
	if o == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Op | %v, Done: %v, Count: %d, Seen: %d, Res: %d\n",
		o.Opcode, o.done, o.Count, o.seen, o.Res)

	switch o.Opcode {
	case OpWrite, OpRead:
		for i := range min(OP_MAX_OPS, int(o.Count)) {
			d := "|"
			if i + 1 == int(o.seen) { d = ">" }
			fmt.Fprintf(&b, "   %s [%02d] %-9s [ Buf: @0x%x | Len: 0x%08x | Off: 0x%08x ]\n",
				d, i, o.Opcode, o.Bufs[i], o.Lens[i], o.Offs[i])
		}
		if o.Opcode == OpWrite && o.Sync {
			fmt.Fprintf(&b, "   | [%02d] FSYNC     [ ]\n", min(OP_MAX_OPS, int(o.Count)))
		}
	case OpSync, OpAllocate:
		fmt.Fprintf(&b, "   > [00] %-9s [ ]\n", o.Opcode)
	}

	return b.String()
}
