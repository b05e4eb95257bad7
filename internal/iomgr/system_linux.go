//go:build linux

package iomgr

import (
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// PERF:
// 1. read/write fixed
// 2. register buffer
// 3. register file
// The log is written strictly sequentially so (1) and (3) are the cheap wins.

const ALIGN			= uint64(0x1000)
const MMAP_MODE   	= unix.MAP_ANON  | unix.MAP_PRIVATE
const MMAP_PROT   	= unix.PROT_READ | unix.PROT_WRITE
const F_OPEN_MODE 	= unix.O_RDWR | unix.O_CREAT | unix.O_DIRECT
const F_OPEN_PERM 	= 0b_000_110_100_000
const RING_ENTRIES 	= 0x80
const RING_DPTHTRG	= 0x40
const OP_Q_SIZE		= 0x100

var ErrClosed = errors.New("iomgr: closed")

// For fixed/aligned buffers - not for io_uring itself, liburing handles mmap-ing for
// io_uring setup. This allocation will be aligned to the system page size (check using:
// `getconf PAGESIZE`. This will basically always be 0x1000 (4096))
//
// Frame pools are carved out of these, nothing else hands out frame memory.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, int(size), MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}

type IoMgr struct {
	log			*slog.Logger
	ring 		*giouring.Ring
	fd			int
	direct		bool

	opQueue		chan *Op
	opSem		chan struct{}
	quit		chan struct{}
	done		chan struct{}
	closed		atomic.Bool
}

// Opens (or creates) the file at path and starts the ring manager. Filesystems that
// reject O_DIRECT (tmpfs) get a buffered fd instead.
func CreateIoMgr(path string) (*IoMgr, error) {
	log := slog.With("src", "IoMgr")

	direct := true
	fd, err := unix.Open(path, F_OPEN_MODE, F_OPEN_PERM)
	if err == unix.EINVAL {
		log.Warn("O_DIRECT rejected, falling back to buffered io", "path", path)
		direct = false
		fd, err = unix.Open(path, F_OPEN_MODE &^ unix.O_DIRECT, F_OPEN_PERM)
	}
	if err != nil { return nil, err }

	ring, err := giouring.CreateRing(RING_ENTRIES)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	iomgr := IoMgr {
		log: 		log,
		ring: 		ring,
		fd:			fd,
		direct:		direct,
		opQueue: 	make(chan *Op, OP_Q_SIZE),
		opSem: 		make(chan struct{}, RING_ENTRIES),
		quit:		make(chan struct{}),
		done:		make(chan struct{}),
	}

	log.Debug("CreateIoMgr", "path", path, "fd", fd, "direct", direct)
	go iomgr.ringlord()
	return &iomgr, nil
}

func (m *IoMgr) Direct() bool {
	return m.direct
}

// Waits for the ring manager to drain what it already took, then tears down the ring.
// Ops submitted after Close are never completed.
func (m *IoMgr) Close() error {
	if !m.closed.CompareAndSwap(false, true) { return ErrClosed }
	close(m.quit)
	<- m.done
	m.ring.QueueExit()
	return unix.Close(m.fd)
}

type OpCode uint16
const (
	OpNop 	OpCode = iota
	OpWrite
	OpRead
	OpSync
	OpAllocate
)

// this is fixed size and preallocable
// we just pool these and reuse them
// an op may have at most 24 operations (we can revise this later if needed)
const OP_MAX_OPS = 24
type Op struct {
	Bufs	[OP_MAX_OPS]uintptr
	Lens	[OP_MAX_OPS]uint32
	Offs	[OP_MAX_OPS]uint64
	Count   uint16

	seen	uint16
	want	uint16 // CQEs expected

	Ch 		chan struct{} // set by owner, buffered (1)

	Res		int32
	Opcode	OpCode
	done 	bool
	Sync 	bool
}

// Clears the op for reuse, keeps the channel.
func (op *Op) Reset(opcode OpCode) {
	op.Count = 0
	op.Res = 0
	op.Opcode = opcode
	op.Sync = false
}

// buf must not be GC-managed memory (use AllocSlab), the ring only sees its address.
func (op *Op) AddSlice(buf []byte, off uint64) {
	i := op.Count
	op.Bufs[i] = uintptr(unsafe.Pointer(&buf[0]))
	op.Lens[i] = uint32(len(buf))
	op.Offs[i] = off
	op.Count++
}

// WARN: THIS (op) MUST HAVE A FIXED ADDRESS
func (m *IoMgr) Submit(op *Op) error {
	if m.closed.Load() { return ErrClosed }
	for range sqeCount(op) {
		m.opSem <- struct{}{}
	}
	m.opQueue <- op
	return nil
}

func (m *IoMgr) prepSQEs(op *Op) {
	op.done = false
	op.seen = 0
	op.want = uint16(sqeCount(op))

	switch op.Opcode {
	case OpNop:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareNop()
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpWrite:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareWrite(m.fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
			if op.Sync || i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}
		if op.Sync {
			sqe := m.ring.GetSQE()
			sqe.PrepareFsync(m.fd, 0)
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
		}

	case OpRead:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareRead(m.fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpSync:
		sqe := m.ring.GetSQE()
		sqe.PrepareFsync(m.fd, 0)
		sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))

	case OpAllocate:
		sqe := m.ring.GetSQE()
		sqe.PrepareFallocate(m.fd, 0, op.Offs[0], uint64(op.Lens[0]))
		sqe.UserData = uint64(uintptr(unsafe.Pointer(op)))

	default:
		m.log.Warn("Invalid opcode", "opcode", op.Opcode)
		atomic.StoreInt32(&op.Res, -int32(unix.EINVAL))
		op.Ch <- struct{}{}
	}
}

// Number of SQEs (and so CQEs) prepSQEs takes for op.
func sqeCount(op *Op) uint {
	switch op.Opcode {
	case OpSync, OpAllocate:
		return 1
	case OpWrite:
		if op.Sync { return uint(op.Count) + 1 }
		return uint(op.Count)
	case OpNop, OpRead:
		return uint(op.Count)
	}
	return 0
}

// "Those who sow the good seed
// Shall surely reap"
func (m *IoMgr) ringlord() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.done)

	var queued   uint = 0 // SQEs that we have "got" and prepared from the opQueue
	var inflight uint = 0 // SQEs that have been SUBMITTED

	take := func(op *Op) {
		m.prepSQEs(op)
		queued += uint(op.want)
	}

	// Three phases:
	// 1. collect submitted ops from the opQueue, get+prepare SQEs
	// 2. submit new ops to the submission-queue
	// 3. reap completed CQEs
	for {
		// STAGE 1
		if inflight == 0 && queued == 0 {
			// Nothing to reap, block until there is at least 1 op (or we are told to quit)
			select {
			case op := <- m.opQueue:
				take(op)
			case <- m.quit:
				return
			}
		}
		// Non-blocking
		COLLECT: for {
			select {
			case op := <- m.opQueue:
				take(op)
			default:
				break COLLECT
			}
		}

		// STAGE 2
		if queued > 0 {
			var submitted uint
			var err error
			if inflight + queued > RING_DPTHTRG {
				submitted, err = m.ring.SubmitAndWait(8)
			} else {
				submitted, err = m.ring.Submit()
			}
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				m.log.Error("Submit", "err", err)
			}
			queued   -= submitted
			inflight += submitted
		}

		// STAGE 3
		for inflight > 0 {
			cqe, err := m.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				m.log.Error("Peek cqe fatal error", "err", err)
				panic("iomgr: io_uring completion queue is broken")
			}

			if cqe == nil {
				m.log.Warn("cqe == nil but we didnt get an err (eagain)?")
				break
			}

			inflight--

			op := (*Op)(unsafe.Pointer(uintptr(cqe.UserData)))
			op.seen++

			if !op.done && (cqe.Res < 0 || op.seen == op.want) {
				atomic.StoreInt32(&op.Res, cqe.Res)
				op.done = true
				op.Ch <- struct{}{}
				// reclaiming the op struct is up to whoever reads the channel
			}

			m.ring.CQESeen(cqe)
			<- m.opSem
		}

		if inflight > 0 && queued == 0 {
			runtime.Gosched()
		}
	}
}
