package logstore

import (
	"errors"
)

// Loc is a location in the log, counted in pages. Location 0 is the log header,
// so it doubles as "no location": the object is the zero value and needed no io.
type Loc uint64

const NoLoc = Loc(0)

var (
	ErrShortIO 		= errors.New("logstore: short io")
	ErrBadLoc 		= errors.New("logstore: location not allocated")
	ErrBadBuf		= errors.New("logstore: buffer is not one page")
	ErrBadHeader	= errors.New("logstore: bad log header")
	ErrClosed 		= errors.New("logstore: closed")
)

// Device is the block driver under the log. Both calls return immediately; done is
// invoked exactly once per call, always from a goroutine other than the caller's, so
// callers may hold their own locks across a submit.
type Device interface {
	WriteAsync(buf []byte, loc Loc, done func(error))
	ReadAsync(buf []byte, loc Loc, done func(error))
	Close() error
}
