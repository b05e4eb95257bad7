//go:build linux

package logstore

import (
	"fmt"
	"log/slog"

	c "objcache/internal"
	"objcache/internal/iomgr"

	"golang.org/x/sys/unix"
)

const FILEDEV_OPS = 0x40

// FileDevice puts the log in a file driven by an io_uring IoMgr. Buffers handed to it
// must come from iomgr.AllocSlab.
type FileDevice struct {
	log		*slog.Logger
	mgr		*iomgr.IoMgr
	ops		[]iomgr.Op // fixed addresses, the ring holds pointers to these
	opQ		chan int
}

func OpenFileDevice(path string) (*FileDevice, error) {
	mgr, err := iomgr.CreateIoMgr(path)
	if err != nil { return nil, fmt.Errorf("logstore: open %s: %w", path, err) }

	d := FileDevice{
		log: 	slog.With("src", "FileDevice"),
		mgr: 	mgr,
		ops: 	make([]iomgr.Op, FILEDEV_OPS),
		opQ: 	make(chan int, FILEDEV_OPS),
	}
	for i := range d.ops {
		d.ops[i].Ch = make(chan struct{}, 1)
		d.opQ <- i
	}
	return &d, nil
}

func (d *FileDevice) WriteAsync(buf []byte, loc Loc, done func(error)) {
	d.submit(iomgr.OpWrite, buf, loc, done)
}

func (d *FileDevice) ReadAsync(buf []byte, loc Loc, done func(error)) {
	d.submit(iomgr.OpRead, buf, loc, done)
}

func (d *FileDevice) submit(opcode iomgr.OpCode, buf []byte, loc Loc, done func(error)) {
	ticket := <- d.opQ
	op := &d.ops[ticket]
	op.Reset(opcode)
	op.AddSlice(buf, c.LocToOffset(uint64(loc)))

	if err := d.mgr.Submit(op); err != nil {
		d.opQ <- ticket
		go done(err)
		return
	}

	want := int32(len(buf))
	go func() {
		<- op.Ch
		res := op.Res
		// the op goes back before done runs, done may submit again
		d.opQ <- ticket

		switch {
		case res < 0:
			err := unix.Errno(-res)
			d.log.Warn("io failed", "op", opcode, "loc", loc, "err", err)
			done(err)
		case res < want && opcode == iomgr.OpRead:
			// past the end of the file, the log has a hole there
			clear(buf[res:])
			done(nil)
		case res != want:
			done(fmt.Errorf("%w: %v at loc %d: %d of %d bytes", ErrShortIO, opcode, loc, res, want))
		default:
			done(nil)
		}
	}()
}

func (d *FileDevice) Close() error {
	return d.mgr.Close()
}
