package logstore

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	c "objcache/internal"
	"objcache/internal/iomgr"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
	})))
	os.Exit(m.Run())
}

func randPage(t *testing.T, faker *gofakeit.Faker) []byte {
	page, err := iomgr.AllocSlab(c.PAGE_SIZE)
	if err != nil { t.Fatal(err) }
	t.Cleanup(func() { iomgr.DeallocSlab(page) })
	for i := 0; i < c.PAGE_SIZE; i += 8 {
		c.Bin.PutUint64(page[i:], faker.Uint64())
	}
	return page
}

func Test_Store_Format_Reopen(t *testing.T) {
	dev := CreateMemDevice()

	s1, err := Open(dev, NoLoc)
	if err != nil { t.Fatal(err) }
	assert.Equal(t, Loc(1), s1.Head())
	assert.Equal(t, 1, dev.Writes(), "format writes exactly the header")

	s2, err := Open(dev, 17)
	if err != nil { t.Fatal(err) }
	assert.Equal(t, s1.Volume(), s2.Volume())
	assert.Equal(t, Loc(17), s2.Head())
	assert.Equal(t, Loc(17), s2.Alloc())
	assert.Equal(t, Loc(18), s2.Head())
}

func Test_Store_Bad_Header(t *testing.T) {
	dev := CreateMemDevice()
	if _, err := Open(dev, NoLoc); err != nil { t.Fatal(err) }

	hdr := dev.Peek(NoLoc)
	hdr[offVolume] ^= 0xff
	dev.pages[NoLoc] = hdr

	_, err := Open(dev, NoLoc)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func Test_Store_Alloc_Monotonic(t *testing.T) {
	s, err := Open(CreateMemDevice(), NoLoc)
	if err != nil { t.Fatal(err) }

	prev := NoLoc
	for range 100 {
		loc := s.Alloc()
		assert.True(t, loc > prev, "loc %d after %d", loc, prev)
		prev = loc
	}
}

func Test_Store_RoundTrip(t *testing.T) {
	faker := gofakeit.NewFaker(rand.NewChaCha8([32]byte{1}), true)
	dev := CreateMemDevice()
	s, err := Open(dev, NoLoc)
	if err != nil { t.Fatal(err) }

	page := randPage(t, faker)
	loc := s.Alloc()
	assert.NoError(t, waitIO(func(done func(error)) { s.Write(page, loc, done) }))

	back := make([]byte, c.PAGE_SIZE)
	assert.NoError(t, s.ReadSync(back, loc))
	assert.Equal(t, page, back)
}

func Test_Store_Rejects(t *testing.T) {
	s, err := Open(CreateMemDevice(), NoLoc)
	if err != nil { t.Fatal(err) }

	page := make([]byte, c.PAGE_SIZE)
	assert.ErrorIs(t, waitIO(func(done func(error)) { s.Write(page, NoLoc, done) }), ErrBadLoc)
	assert.ErrorIs(t, waitIO(func(done func(error)) { s.Write(page, s.Head(), done) }), ErrBadLoc)
	assert.ErrorIs(t, waitIO(func(done func(error)) { s.Write(page[:10], s.Alloc(), done) }), ErrBadBuf)

	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)
}

func Test_MemDevice_Hold(t *testing.T) {
	dev := CreateMemDevice()
	dev.Hold(true)

	page := make([]byte, c.PAGE_SIZE)
	page[0] = 7

	completed := 0
	dev.WriteAsync(page, 3, func(err error) {
		assert.NoError(t, err)
		completed++
	})
	page[0] = 9 // snapshot was taken at submit

	assert.Equal(t, 1, dev.Pending())
	assert.Nil(t, dev.Peek(3), "held write must not be visible")

	assert.Equal(t, 1, dev.Release())
	assert.Equal(t, 1, completed)
	assert.Equal(t, byte(7), dev.Peek(3)[0])
}

func Test_MemDevice_Fail(t *testing.T) {
	dev := CreateMemDevice()
	boom := errors.New("boom")
	dev.Fail(boom)

	err := waitIO(func(done func(error)) { dev.WriteAsync(make([]byte, c.PAGE_SIZE), 5, done) })
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, dev.Peek(5))
}

func Test_FileDevice_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), fmt.Sprintf("objtest%016x.log", rand.Uint64()))
	dev, err := OpenFileDevice(path)
	if err != nil { t.Skip("file device unavailable:", err) }

	faker := gofakeit.NewFaker(rand.NewChaCha8([32]byte{2}), true)
	s, err := Open(dev, NoLoc)
	if err != nil { t.Fatal(err) }

	pages := make([][]byte, 8)
	locs := make([]Loc, 8)
	for i := range pages {
		pages[i] = randPage(t, faker)
		locs[i] = s.Alloc()
		assert.NoError(t, waitIO(func(done func(error)) { s.Write(pages[i], locs[i], done) }))
	}

	back := randPage(t, faker)
	for i := range pages {
		assert.NoError(t, s.ReadSync(back, locs[i]))
		assert.Equal(t, pages[i], back)
	}
	volume := s.Volume()
	assert.NoError(t, s.Close())

	dev, err = OpenFileDevice(path)
	if err != nil { t.Fatal(err) }
	s, err = Open(dev, locs[7] + 1)
	if err != nil { t.Fatal(err) }
	assert.Equal(t, volume, s.Volume())
	assert.NoError(t, s.Close())
}
