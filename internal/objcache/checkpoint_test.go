package objcache

import (
	"path/filepath"
	"testing"
	"time"

	c "objcache/internal"
	"objcache/internal/logdir"
	"objcache/internal/logstore"

	"github.com/stretchr/testify/assert"
)

func Test_Checkpoint_Commits(t *testing.T) {
	r := newRig(t, smallConfig(4, 4))
	faker := newFaker(20)

	for oid := range uint64(3) {
		f, _ := r.cache.NewPage(oid)
		f = r.cache.Mutate(f, randFill(faker))
		r.cache.Unpin(f)
	}

	gen, err := r.cache.Checkpoint()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.False(t, r.cache.CheckpointActive())
	assert.Equal(t, uint64(2), r.cache.Generation())
	assert.Equal(t, 0, r.dir.Len())
	assert.Equal(t, 0, r.cache.Stats().DirtyFrames)

	stable, head := r.dir.Stable()
	assert.Equal(t, uint64(1), stable)
	assert.Equal(t, r.store.Head(), head)

	for oid := range uint64(3) {
		e, ok, err := r.dir.Lookup(KindPage, oid)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(1), e.Generation)
	}

	// nothing undurable, completes on the spot
	gen, err = r.cache.BeginCheckpoint()
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.False(t, r.cache.CheckpointActive())
	assert.NoError(t, r.cache.Stabilize())
}

func Test_Checkpoint_Holds_Back_Working_Gen(t *testing.T) {
	r := newRig(t, smallConfig(4, 4))
	faker := newFaker(21)

	a, _ := r.cache.NewPage(0xa)
	a = r.cache.Mutate(a, randFill(faker))
	r.cache.Unpin(a)

	_, err := r.cache.BeginCheckpoint()
	assert.NoError(t, err)
	_, err = r.cache.BeginCheckpoint()
	assert.ErrorIs(t, err, ErrCheckpointActive)
	assert.True(t, a.KRO())

	b, _ := r.cache.NewPage(0xb)
	b = r.cache.Mutate(b, randFill(faker))
	r.cache.Unpin(b)
	assert.False(t, b.KRO())

	var req *IORequest
	under(r.cache, func() { req = r.cache.cleanPage(b, true) })
	assert.Nil(t, req)
	assert.True(t, b.Dirty())

	assert.NoError(t, r.cache.Stabilize())
	assert.False(t, r.cache.CheckpointActive())
	assert.False(t, a.KRO())
	assert.True(t, b.Dirty())

	assert.NoError(t, r.cache.CleanAll())
	ea, _, _ := r.dir.Lookup(KindPage, 0xa)
	eb, _, _ := r.dir.Lookup(KindPage, 0xb)
	assert.Equal(t, uint64(1), ea.Generation)
	assert.Equal(t, uint64(2), eb.Generation)
}

func Test_Checkpoint_Auto(t *testing.T) {
	r := newRig(t, smallConfig(1, 4))
	faker := newFaker(22)

	frames := make([]*Frame, 4)
	for oid := range uint64(4) {
		f, _ := r.cache.NewPage(oid)
		frames[oid] = r.cache.Mutate(f, randFill(faker))
		r.cache.Unpin(frames[oid])
	}
	assert.NoError(t, r.cache.CleanAll())
	assert.Equal(t, 4, r.dir.Len())
	assert.Equal(t, 0, r.cache.Stats().Checkpoints)

	// the fifth entry fills half of the directory
	r.cache.Mutate(frames[0], randFill(faker))
	assert.NoError(t, r.cache.CleanAll())
	s := r.cache.Stats()
	assert.Equal(t, 1, s.Checkpoints)
	assert.False(t, s.Checkpointing)
	assert.Equal(t, 0, r.dir.Len())
}

func Test_KRO_Page_In_Flight(t *testing.T) {
	r := newRig(t, smallConfig(4, 4))
	faker := newFaker(23)

	f, _ := r.cache.NewPage(1)
	f = r.cache.Mutate(f, randFill(faker))
	image := append([]byte(nil), f.Data()...)
	ref := r.cache.AddRef(f, RefCapability)
	r.cache.Unpin(f)

	_, err := r.cache.BeginCheckpoint()
	assert.NoError(t, err)
	assert.True(t, f.KRO())

	r.dev.Hold(true)
	under(r.cache, func() { r.cache.cleanPage(f, false) })
	assert.True(t, f.Writing())

	var live *Frame
	within(t, time.Second, func() {
		live = r.cache.Mutate(f, func(data []byte) { data[0] = 0xab })
	})

	assert.NotSame(t, f, live)
	assert.Equal(t, ObWorkingCopy, f.Type())
	assert.True(t, f.KRO())
	assert.Equal(t, image, f.Data())
	assert.Equal(t, ObDataPage, live.Type())
	assert.False(t, live.KRO())
	assert.True(t, live.Dirty())
	assert.Equal(t, byte(0xab), live.Data()[0])
	assert.Same(t, live, r.cache.Lookup(KindPage, 1))
	g, ok := r.cache.Deref(ref)
	assert.True(t, ok)
	assert.Same(t, live, g)

	assert.Equal(t, 1, r.dev.Release())
	assert.Equal(t, ObFree, f.Type())
	assert.False(t, r.cache.CheckpointActive())

	e, ok, err := r.dir.Lookup(KindPage, 1)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), e.Generation)
	assert.Equal(t, image, r.dev.Peek(e.Loc))
}

func Test_KRO_Page_Idle(t *testing.T) {
	r := newRig(t, smallConfig(4, 4))
	faker := newFaker(24)

	f, _ := r.cache.NewPage(1)
	f = r.cache.Mutate(f, randFill(faker))
	image := append([]byte(nil), f.Data()...)
	r.cache.Unpin(f)

	_, err := r.cache.BeginCheckpoint()
	assert.NoError(t, err)

	r.dev.Hold(true)
	var live *Frame
	within(t, time.Second, func() {
		live = r.cache.Mutate(f, func(data []byte) { data[0] = 0xab })
	})

	assert.Same(t, f, live)
	assert.False(t, f.KRO())
	assert.True(t, f.Dirty())
	s := r.cache.Stats()
	assert.Equal(t, 1, s.WorkingCopies)
	assert.Equal(t, 1, s.KROFrames)
	assert.Equal(t, 1, s.Copies)
	assert.Equal(t, 1, s.CleanRequests)
	assert.Equal(t, 1, r.dev.Pending())

	assert.Equal(t, 1, r.dev.Release())
	s = r.cache.Stats()
	assert.Equal(t, 0, s.WorkingCopies)
	assert.Equal(t, 0, s.KROFrames)
	assert.Equal(t, 0, s.CleanRequests)
	assert.False(t, s.Checkpointing)

	e, _, _ := r.dir.Lookup(KindPage, 1)
	assert.Equal(t, image, r.dev.Peek(e.Loc))
	assert.Equal(t, byte(0xab), f.Data()[0])
}

func Test_KRO_Page_Pinned(t *testing.T) {
	r := newRig(t, smallConfig(4, 4))
	faker := newFaker(25)

	f, _ := r.cache.NewPage(1)
	f = r.cache.Mutate(f, randFill(faker))
	_, err := r.cache.BeginCheckpoint()
	assert.NoError(t, err)

	r.dev.Hold(true)
	live := r.cache.Mutate(f, func(data []byte) { data[0] = 0xab })
	assert.NotSame(t, f, live)
	assert.Equal(t, ObWorkingCopy, f.Type())
	assert.True(t, live.Pinned())
	assert.False(t, f.Pinned())
	assert.True(t, f.Writing())

	r.cache.Unpin(live)
	assert.False(t, live.Pinned())
	assert.Equal(t, ObWorkingCopy, f.Type())

	r.dev.Release()
	assert.Equal(t, ObFree, f.Type())
	assert.False(t, r.cache.CheckpointActive())
}

func Test_KRO_Node(t *testing.T) {
	r := newRig(t, smallConfig(4, 4))
	faker := newFaker(26)

	n, _ := r.cache.NewNode(1)
	n = r.cache.Mutate(n, randFill(faker))
	image := append([]byte(nil), n.Data()...)
	_, err := r.cache.BeginCheckpoint()
	assert.NoError(t, err)
	assert.True(t, n.KRO())

	var live *Frame
	within(t, time.Second, func() {
		live = r.cache.Mutate(n, func(data []byte) { data[0] = 0xab })
	})
	assert.Same(t, n, live)
	assert.False(t, n.KRO())
	assert.True(t, n.Dirty())
	assert.False(t, r.cache.CheckpointActive())
	assert.Equal(t, 1, r.cache.Stats().PotWrites)

	e, ok, err := r.dir.Lookup(KindNode, 1)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), e.Generation)
	pp := PotPageFrom(r.dev.Peek(e.Loc))
	assert.NoError(t, pp.Verify())
	oid, _, node := pp.Record(int(e.Index))
	assert.Equal(t, uint64(1), oid)
	assert.Equal(t, image, node)
}

func Test_Checkpoint_Bolt_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.bolt")
	cfg := smallConfig(4, 4)
	dev := logstore.CreateMemDevice()
	faker := newFaker(27)

	sink, err := logdir.OpenBoltSink(path)
	if err != nil { t.Fatal(err) }
	dir, err := logdir.Create(cfg.DirCapacity(), sink)
	if err != nil { t.Fatal(err) }
	store, err := logstore.Open(dev, logstore.NoLoc)
	if err != nil { t.Fatal(err) }
	cache, err := Create(cfg, store, dir)
	if err != nil { t.Fatal(err) }

	f, _ := cache.NewPage(77)
	f = cache.Mutate(f, randFill(faker))
	want := append([]byte(nil), f.Data()...)
	cache.Unpin(f)
	_, err = cache.Checkpoint()
	assert.NoError(t, err)
	assert.NoError(t, cache.Close())
	assert.NoError(t, dir.Close())

	// recovery resumes at the stable head and finds the page there
	sink, err = logdir.OpenBoltSink(path)
	if err != nil { t.Fatal(err) }
	dir, err = logdir.Create(cfg.DirCapacity(), sink)
	if err != nil { t.Fatal(err) }
	defer dir.Close()
	gen, head := dir.Stable()
	assert.Equal(t, uint64(1), gen)
	store, err = logstore.Open(dev, head)
	if err != nil { t.Fatal(err) }
	cache, err = Create(cfg, store, dir)
	if err != nil { t.Fatal(err) }
	defer cache.Close()
	assert.Equal(t, uint64(2), cache.Generation())

	g, err := cache.FetchPage(77)
	assert.NoError(t, err)
	assert.Equal(t, want, g.Data())
	assert.Len(t, g.Data(), c.PAGE_SIZE)
}

// Two activities mutate the same KRO page, the first one suspended in grab while the
// second moves or copies the object. Both must end on the single live frame.
func Test_KRO_Page_Two_Writers(t *testing.T) {
	r := newRig(t, smallConfig(4, 3))
	faker := newFaker(28)

	p1, _ := r.cache.NewPage(1)
	p1 = r.cache.Mutate(p1, randFill(faker))
	image := append([]byte(nil), p1.Data()...)
	r.cache.Unpin(p1)
	p2, _ := r.cache.NewPage(2)
	p2 = r.cache.Mutate(p2, randFill(faker))
	r.cache.Unpin(p2)
	spare := r.cache.GrabPageFrame()

	_, err := r.cache.BeginCheckpoint()
	assert.NoError(t, err)
	assert.True(t, p1.KRO())

	r.dev.Hold(true)
	done := make(chan *Frame)
	go func() {
		done <- r.cache.Mutate(p1, func(data []byte) { data[1] = 0xa1 })
	}()

	// the first writer is parked behind a held write
	deadline := time.Now().Add(time.Second)
	for r.dev.Pending() == 0 {
		if time.Now().After(deadline) { t.Fatal("first writer never suspended") }
		time.Sleep(time.Millisecond)
	}

	var live *Frame
	under(r.cache, func() {
		r.cache.free(spare)
		live = r.cache.makeDirty(p1)
		live.data[0] = 0xb2
	})
	assert.Same(t, live, r.cache.Lookup(KindPage, 1))
	assert.False(t, live.Pinned())
	r.cache.Pin(live)

	r.dev.Hold(false)
	r.dev.Release()

	var first *Frame
	select {
	case first = <- done:
	case <- time.After(time.Second):
		t.Fatal("first writer blocked")
	}

	assert.Same(t, live, first)
	assert.Same(t, first, r.cache.Lookup(KindPage, 1))
	assert.Equal(t, ObDataPage, first.Type())
	assert.True(t, first.Pinned())
	assert.Equal(t, byte(0xb2), first.Data()[0])
	assert.Equal(t, byte(0xa1), first.Data()[1])

	assert.NoError(t, r.cache.Stabilize())
	assert.False(t, r.cache.CheckpointActive())
	e, ok, err := r.dir.Lookup(KindPage, 1)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), e.Generation)
	assert.Equal(t, image, r.dev.Peek(e.Loc))

	r.cache.Unpin(first)
	assert.NoError(t, r.cache.CleanAll())
	assert.Equal(t, 0, r.cache.Stats().WorkingCopies)
}
