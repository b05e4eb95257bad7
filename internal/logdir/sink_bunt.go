package logdir

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"objcache/internal/logstore"

	"github.com/tidwall/buntdb"
)

const (
	buntStableGen	= "meta:stable-gen"
	buntStableHead	= "meta:stable-head"
)

// BuntSink keeps committed entries in buntdb. Path ":memory:" gives a sink that lives
// as long as the process, which is what tests and the scratch binary mode want.
type BuntSink struct {
	db	*buntdb.DB
}

func OpenBuntSink(path string) (*BuntSink, error) {
	db, err := buntdb.Open(path)
	if err != nil { return nil, fmt.Errorf("logdir: open buntdb %s: %w", path, err) }
	return &BuntSink{db: db}, nil
}

func buntKey(kind Kind, oid uint64) string {
	return "obj:" + hex.EncodeToString(objKey(kind, oid))
}

func (s *BuntSink) Put(entries []Entry, gen uint64, head logstore.Loc) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw := make([]byte, ENTRY_SIZE)
		for _, e := range entries {
			e.Encode(raw)
			if _, _, err := tx.Set(buntKey(e.Kind, e.OID), string(raw), nil); err != nil { return err }
		}
		if _, _, err := tx.Set(buntStableGen, strconv.FormatUint(gen, 10), nil); err != nil { return err }
		_, _, err := tx.Set(buntStableHead, strconv.FormatUint(uint64(head), 10), nil)
		return err
	})
}

func (s *BuntSink) Get(kind Kind, oid uint64) (Entry, bool, error) {
	var e Entry
	var found bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(buntKey(kind, oid))
		if err == buntdb.ErrNotFound { return nil }
		if err != nil { return err }
		e, err = DecodeEntry([]byte(raw))
		found = err == nil
		return err
	})
	return e, found, err
}

func (s *BuntSink) Stable() (uint64, logstore.Loc, error) {
	var gen, head uint64
	err := s.db.View(func(tx *buntdb.Tx) error {
		for key, dst := range map[string]*uint64{buntStableGen: &gen, buntStableHead: &head} {
			v, err := tx.Get(key)
			if err == buntdb.ErrNotFound { continue }
			if err != nil { return err }
			if *dst, err = strconv.ParseUint(v, 10, 64); err != nil { return err }
		}
		return nil
	})
	return gen, logstore.Loc(head), err
}

func (s *BuntSink) Close() error {
	return s.db.Close()
}
