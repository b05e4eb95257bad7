package logstore

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	c "objcache/internal"
	"objcache/internal/iomgr"
	"objcache/internal/util"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

const VERSION = 1

// Log header, lives at location 0.
const (
	magic 			= "OBJLOG~~"
	offMagic		= 0x00
	offVersion		= 0x08 // 2B
	offPageSize		= 0x0a // 4B
	offVolume		= 0x10 // 16B
	offCreated		= 0x20 // 8B unix nanos
	offChecksum		= 0x38 // 8B xxhash of [0, offChecksum)
)

// Store is the append-only log. Locations are handed out once and never reused; the
// Store does not know what lives at them, the log directory does.
type Store struct {
	log		*slog.Logger
	dev		Device
	head	atomic.Uint64 // next location Alloc hands out
	volume	uuid.UUID
	created	time.Time
	closed	atomic.Bool
}

// Opens the log on dev. A blank device is formatted. head is where appending resumes
// (the stable head recorded by the log directory); 0 means "right after the header".
func Open(dev Device, head Loc) (*Store, error) {
	log := slog.With("src", "Store")

	hdr, err := iomgr.AllocSlab(c.PAGE_SIZE)
	if err != nil { return nil, err }
	defer iomgr.DeallocSlab(hdr)

	if err := waitIO(func(done func(error)) { dev.ReadAsync(hdr, NoLoc, done) }); err != nil {
		return nil, fmt.Errorf("logstore: read header: %w", err)
	}

	s := Store{log: log, dev: dev}

	if util.IsZero(hdr) {
		s.volume = uuid.New()
		s.created = time.Now()
		putHeader(hdr, s.volume, s.created)
		if err := waitIO(func(done func(error)) { dev.WriteAsync(hdr, NoLoc, done) }); err != nil {
			return nil, fmt.Errorf("logstore: write header: %w", err)
		}
		log.Info("formatted log", "volume", s.volume)
	} else {
		s.volume, s.created, err = parseHeader(hdr)
		if err != nil {
			log.Error("bad header", "dump", util.HexDump(hdr, 0x40))
			return nil, err
		}
		log.Info("opened log", "volume", s.volume, "created", s.created, "head", head)
	}

	s.head.Store(uint64(max(head, 1)))
	return &s, nil
}

func putHeader(hdr []byte, volume uuid.UUID, created time.Time) {
	copy(hdr[offMagic:], magic)
	c.Bin.PutUint16(hdr[offVersion:], VERSION)
	c.Bin.PutUint32(hdr[offPageSize:], c.PAGE_SIZE)
	copy(hdr[offVolume:], volume[:])
	c.Bin.PutUint64(hdr[offCreated:], uint64(created.UnixNano()))
	c.Bin.PutUint64(hdr[offChecksum:], xxhash.Sum64(hdr[:offChecksum]))
}

func parseHeader(hdr []byte) (uuid.UUID, time.Time, error) {
	if string(hdr[offMagic:offMagic+len(magic)]) != magic {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: magic", ErrBadHeader)
	}
	if sum := c.Bin.Uint64(hdr[offChecksum:]); sum != xxhash.Sum64(hdr[:offChecksum]) {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: checksum %016x", ErrBadHeader, sum)
	}
	if v := c.Bin.Uint16(hdr[offVersion:]); v != VERSION {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: version %d", ErrBadHeader, v)
	}
	if ps := c.Bin.Uint32(hdr[offPageSize:]); ps != c.PAGE_SIZE {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: page size %d", ErrBadHeader, ps)
	}
	volume, err := uuid.FromBytes(hdr[offVolume : offVolume+16])
	if err != nil { return uuid.Nil, time.Time{}, fmt.Errorf("%w: %w", ErrBadHeader, err) }
	created := time.Unix(0, int64(c.Bin.Uint64(hdr[offCreated:])))
	return volume, created, nil
}

// Hands out the next location at the end of the log.
func (s *Store) Alloc() Loc {
	return Loc(s.head.Add(1) - 1)
}

// First location that has not been handed out.
func (s *Store) Head() Loc {
	return Loc(s.head.Load())
}

func (s *Store) Volume() uuid.UUID {
	return s.volume
}

func (s *Store) check(buf []byte, loc Loc) error {
	if s.closed.Load() { return ErrClosed }
	if len(buf) != c.PAGE_SIZE { return ErrBadBuf }
	if loc == NoLoc || loc >= s.Head() { return fmt.Errorf("%w: %d", ErrBadLoc, loc) }
	return nil
}

// Writes one page at loc, which must have come from Alloc. done follows the Device
// contract.
func (s *Store) Write(buf []byte, loc Loc, done func(error)) {
	if err := s.check(buf, loc); err != nil {
		go done(err)
		return
	}
	s.dev.WriteAsync(buf, loc, done)
}

func (s *Store) Read(buf []byte, loc Loc, done func(error)) {
	if err := s.check(buf, loc); err != nil {
		go done(err)
		return
	}
	s.dev.ReadAsync(buf, loc, done)
}

// Blocking read, for recovery tools and tests.
func (s *Store) ReadSync(buf []byte, loc Loc) error {
	return waitIO(func(done func(error)) { s.Read(buf, loc, done) })
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) { return ErrClosed }
	return s.dev.Close()
}

func waitIO(submit func(done func(error))) error {
	ch := make(chan error, 1)
	submit(func(err error) { ch <- err })
	return <- ch
}
