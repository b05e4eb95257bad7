package logdir

import (
	"fmt"
	"log/slog"
	"time"

	c "objcache/internal"
	"objcache/internal/logstore"

	"github.com/boltdb/bolt"
)

var (
	bucketObjects 	= []byte("objects")
	bucketMeta 		= []byte("meta")
	keyStableGen 	= []byte("stable-gen")
	keyStableHead 	= []byte("stable-head")
)

// BoltSink keeps committed entries in a bolt file next to the log.
type BoltSink struct {
	log	*slog.Logger
	db	*bolt.DB
}

func OpenBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil { return nil, fmt.Errorf("logdir: open bolt %s: %w", path, err) }

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil { return err }
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltSink{log: slog.With("src", "BoltSink"), db: db}, nil
}

func (s *BoltSink) Put(entries []Entry, gen uint64, head logstore.Loc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		for _, e := range entries {
			// values must stay untouched until the tx commits
			raw := make([]byte, ENTRY_SIZE)
			e.Encode(raw)
			if err := objects.Put(objKey(e.Kind, e.OID), raw); err != nil { return err }
		}

		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyStableGen, u64Value(gen)); err != nil { return err }
		return meta.Put(keyStableHead, u64Value(uint64(head)))
	})
}

func (s *BoltSink) Get(kind Kind, oid uint64) (Entry, bool, error) {
	var e Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketObjects).Get(objKey(kind, oid))
		if raw == nil { return nil }
		var err error
		e, err = DecodeEntry(raw)
		found = err == nil
		return err
	})
	return e, found, err
}

func (s *BoltSink) Stable() (uint64, logstore.Loc, error) {
	var gen, head uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyStableGen); v != nil { gen = c.Bin.Uint64(v) }
		if v := meta.Get(keyStableHead); v != nil { head = c.Bin.Uint64(v) }
		return nil
	})
	return gen, logstore.Loc(head), err
}

func u64Value(v uint64) []byte {
	buf := make([]byte, c.LEN_U64)
	c.Bin.PutUint64(buf, v)
	return buf
}

func (s *BoltSink) Close() error {
	return s.db.Close()
}
