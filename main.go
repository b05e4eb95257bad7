package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	c "objcache/internal"
	"objcache/internal/logdir"
	"objcache/internal/logstore"
	"objcache/internal/objcache"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/lmittmann/tint"
)

var (
	logPath		= flag.String("log", "/tmp/objcache.log", "log device path")
	dirPath		= flag.String("dir", "/tmp/objcache.dir", "log directory (bolt) path")
	inMem		= flag.Bool("mem", false, "in-memory device and directory")
	nodeFrames	= flag.Int("nodes", 0x100, "node frames")
	pageFrames	= flag.Int("pages", 0x100, "page frames")
	ops			= flag.Int("ops", 0x1000, "workload operations")
	verbose		= flag.Bool("v", false, "debug logging")
)

func open(cfg objcache.Config) (*logstore.Store, *logdir.Directory, error) {
	var dev logstore.Device
	var sink logdir.Sink
	var err error

	if *inMem {
		dev = logstore.CreateMemDevice()
		sink, err = logdir.OpenBuntSink(":memory:")
	} else {
		dev, err = logstore.OpenFileDevice(*logPath)
		if err != nil { return nil, nil, err }
		sink, err = logdir.OpenBoltSink(*dirPath)
	}
	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	dir, err := logdir.Create(cfg.DirCapacity(), sink)
	if err != nil {
		sink.Close()
		dev.Close()
		return nil, nil, err
	}
	_, head := dir.Stable()
	store, err := logstore.Open(dev, head)
	if err != nil {
		dir.Close()
		dev.Close()
		return nil, nil, err
	}
	return store, dir, nil
}

// Creates, fetches and mutates a spread of nodes and pages, with a checkpoint halfway.
func workload(cache *objcache.Cache, n int) error {
	faker := gofakeit.NewFaker(rand.NewPCG(uint64(time.Now().UnixNano()), 0), false)
	span := uint64(*nodeFrames + *pageFrames) * 2

	for i := range n {
		oid := faker.Uint64() % span
		node := faker.Bool()

		var f *objcache.Frame
		var err error
		if node {
			f, err = cache.FetchNode(oid)
			if errors.Is(err, objcache.ErrNotFound) { f, err = cache.NewNode(oid) }
		} else {
			f, err = cache.FetchPage(oid)
			if errors.Is(err, objcache.ErrNotFound) { f, err = cache.NewPage(oid) }
		}
		if err != nil { return fmt.Errorf("op %d oid %x: %w", i, oid, err) }

		val := faker.Uint64()
		f = cache.Mutate(f, func(data []byte) { c.Bin.PutUint64(data, val) })
		cache.Unpin(f)

		if i == n / 2 {
			gen, err := cache.Checkpoint()
			if err != nil { return err }
			slog.Info("checkpoint", "gen", gen)
		}
	}
	return cache.CleanAll()
}

func main() {
	flag.Parse()
	level := slog.LevelInfo
	if *verbose { level = slog.LevelDebug }
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	cfg := objcache.DefaultConfig()
	cfg.NodeFrames = *nodeFrames
	cfg.PageFrames = *pageFrames

	store, dir, err := open(cfg)
	if err != nil {
		slog.Error("open", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	defer dir.Close()

	cache, err := objcache.Create(cfg, store, dir)
	if err != nil {
		slog.Error("create", "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	start := time.Now()
	if err := workload(cache, *ops); err != nil {
		slog.Error("workload", "err", err)
	}
	if _, err := cache.Checkpoint(); err != nil {
		slog.Error("final checkpoint", "err", err)
	}

	s := cache.Stats()
	slog.Info("done",
		"ops", *ops, "took", time.Since(start), "volume", store.Volume(),
		"cleans", s.Cleans, "zeroCleans", s.ZeroCleans, "pots", s.PotWrites,
		"steals", s.Steals, "discards", s.Discards, "mitigations", s.Mitigations,
		"checkpoints", s.Checkpoints, "fetches", s.Fetches, "gen", s.Generation)
}
