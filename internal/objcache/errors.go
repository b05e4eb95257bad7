package objcache

import (
	"errors"
)

var (
	ErrConfig			= errors.New("objcache: bad config")
	ErrClosed			= errors.New("objcache: closed")
	ErrNotFound			= errors.New("objcache: no durable version")
	ErrCorrupt			= errors.New("objcache: corrupt log record")
	ErrExists			= errors.New("objcache: object already cached")
	ErrTooMany			= errors.New("objcache: request exceeds pool size")
	ErrCheckpointActive	= errors.New("objcache: checkpoint already active")
	ErrIO				= errors.New("objcache: write-back failed")
	ErrBusy				= errors.New("objcache: frame has a write or checkpoint image outstanding")

	// Programming-logic errors, these are fatal.
	ErrExhausted		= errors.New("objcache: frame pool exhausted")
	ErrFreeDirty		= errors.New("objcache: freeing a dirty frame")
	ErrFreeReferenced	= errors.New("objcache: freeing a referenced frame")
	ErrFreeBusy			= errors.New("objcache: freeing a pinned or busy frame")
	ErrNotAllocated		= errors.New("objcache: frame is not allocated")
	ErrBadType			= errors.New("objcache: wrong frame type for operation")
	ErrUnpinned			= errors.New("objcache: unpin of an unpinned frame")
	ErrLogFailure		= errors.New("objcache: log directory failure")
)

// fatal halts on a broken invariant. The panic value is err itself so callers and
// tests can match it.
func (c *Cache) fatal(err error, args ...any) {
	c.log.Error("fatal", append([]any{"err", err}, args...)...)
	panic(err)
}
