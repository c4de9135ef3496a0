// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package animdb packs many independently compressed animation clips into
// one database container, streams the container's bulk segment in and out
// of memory on demand, and decompresses clips against whichever tiers are
// currently resident.
package animdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bpowers/animdb/curve"
	"github.com/bpowers/animdb/internal/container"
	"github.com/bpowers/animdb/internal/stream"
)

// Streaming request results and tier states, re-exported for callers of
// StreamIn/StreamOut.
type (
	RequestResult = stream.RequestResult
	TierState     = stream.State
)

const (
	Dispatched     = stream.Dispatched
	Streaming      = stream.Streaming
	Done           = stream.Done
	NotInitialized = stream.NotInitialized
)

const (
	TierUninitialized = stream.Uninitialized
	TierIdle          = stream.Idle
	TierStreamingIn   = stream.StreamingIn
	TierResident      = stream.Resident
	TierStreamingOut  = stream.StreamingOut
)

// ErrStaleMapping reports a clip id that isn't present in a loaded
// database's mapping: the referencing clip no longer belongs to this
// database build.  Recoverable -- decompression falls back to clip-only
// mode.
var ErrStaleMapping = errors.New("clip not in database mapping (stale reference)")

// DatabaseOption configures a Database at open time.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for streaming status and decompression
// fallback warnings.  If not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(opts *databaseOptions) {
		opts.logger = logger
	}
}

// Database is the runtime handle to one loaded clip database.  StreamIn,
// StreamOut and Close are control-thread operations; clip lookup and
// decompression are safe from any number of concurrent reader goroutines.
type Database struct {
	view     *container.View
	ctx      *stream.Context
	streamer stream.Streamer
	logger   *slog.Logger
	path     string

	coreMmap []byte   // non-nil when the core segment is mmap'd
	bulkFile *os.File // non-nil when bulk streams from a file
}

// Open loads the database persisted at path.  A split core streams its
// bulk segment from path+".bulk" under async I/O; a joined container is
// fully in memory and gets the in-memory null streamer (authoring mode).
func Open(path string, opts ...DatabaseOption) (*Database, error) {
	options := databaseOptions{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&options)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%s): %w", path, err)
	}
	stats, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("f.Stat: %w", err)
	}

	core, err := unix.Mmap(int(f.Fd()), 0, int(stats.Size()), unix.PROT_READ, unix.MAP_SHARED)
	// the mapping outlives the descriptor
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("unix.Mmap(%s): %w", path, err)
	}
	if err := unix.Madvise(core, syscall.MADV_RANDOM); err != nil {
		_ = unix.Munmap(core)
		return nil, fmt.Errorf("madvise: %w", err)
	}

	view, err := container.Decode(core)
	if err != nil {
		_ = unix.Munmap(core)
		return nil, err
	}

	db := &Database{
		view:     view,
		ctx:      &stream.Context{},
		logger:   options.logger,
		path:     path,
		coreMmap: core,
	}

	if view.Header.IsSplit() {
		bf, err := os.Open(bulkPath(path))
		if err != nil {
			_ = unix.Munmap(core)
			return nil, fmt.Errorf("os.Open(%s): %w", bulkPath(path), err)
		}
		bulkStats, err := bf.Stat()
		if err != nil {
			_ = bf.Close()
			_ = unix.Munmap(core)
			return nil, fmt.Errorf("f.Stat: %w", err)
		}
		if uint64(bulkStats.Size()) != view.Header.BulkSize {
			_ = bf.Close()
			_ = unix.Munmap(core)
			return nil, fmt.Errorf("%w: bulk blob is %d bytes, header says %d",
				ErrFormat, bulkStats.Size(), view.Header.BulkSize)
		}
		db.bulkFile = bf
		db.streamer = stream.NewFileStreamer(bf, uint32(view.Header.BulkSize))
	} else {
		db.streamer = stream.NewNullStreamer(view.InlineBulk())
	}

	if err := db.ctx.Initialize(db.streamer, uint32(view.Header.BulkSize), view.Header.BulkDigest, db.logger); err != nil {
		_ = db.releaseResources()
		return nil, fmt.Errorf("context initialize: %w", err)
	}
	return db, nil
}

// OpenBytes loads a database already in memory, for authoring and tests.
// core may be a joined container (bulk must be nil) or a split core blob
// paired with its bulk segment; either way the null streamer serves the
// bulk tier.
func OpenBytes(core, bulk []byte, opts ...DatabaseOption) (*Database, error) {
	options := databaseOptions{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&options)
	}

	view, err := container.Decode(core)
	if err != nil {
		return nil, err
	}

	if view.Header.IsSplit() {
		if uint64(len(bulk)) != view.Header.BulkSize {
			return nil, fmt.Errorf("%w: bulk is %d bytes, header says %d", ErrFormat, len(bulk), view.Header.BulkSize)
		}
	} else {
		if bulk != nil {
			return nil, fmt.Errorf("%w: joined container with separate bulk", ErrFormat)
		}
		bulk = view.InlineBulk()
	}

	db := &Database{
		view:     view,
		ctx:      &stream.Context{},
		streamer: stream.NewNullStreamer(bulk),
		logger:   options.logger,
		path:     "(in-memory)",
	}
	if err := db.ctx.Initialize(db.streamer, uint32(view.Header.BulkSize), view.Header.BulkDigest, db.logger); err != nil {
		return nil, fmt.Errorf("context initialize: %w", err)
	}
	return db, nil
}

// NumClips returns the number of clips in the database.
func (db *Database) NumClips() int {
	return int(db.view.Header.ClipCount)
}

// TierState returns the current bulk-tier residency state.
func (db *Database) TierState() TierState {
	return db.ctx.State()
}

// Clips returns the ids of every clip in the database, in mapping order
// (ascending hash).
func (db *Database) Clips() []ClipID {
	ids := make([]ClipID, 0, len(db.view.Mapping))
	for _, e := range db.view.Mapping {
		ids = append(ids, ClipID(e.Hash()))
	}
	return ids
}

// Contains reports whether the database's mapping has an entry for id.
func (db *Database) Contains(id ClipID) bool {
	_, ok := db.view.Mapping.FindOffset(uint32(id))
	return ok
}

// ClipBytes returns the compressed bytes of the clip registered under id.
// The returned slice aliases the core segment; treat it as read-only.
func (db *Database) ClipBytes(id ClipID) ([]byte, error) {
	off, ok := db.view.Mapping.FindOffset(uint32(id))
	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x", ErrStaleMapping, uint32(id))
	}
	region, err := db.view.ClipBytes(off)
	if err != nil {
		return nil, err
	}
	clip, err := curve.ParseClip(region)
	if err != nil {
		return nil, fmt.Errorf("clip 0x%08x at offset %d: %w", uint32(id), off, err)
	}
	return clip.Bytes(), nil
}

// FindClip parses the clip registered under id.
func (db *Database) FindClip(id ClipID) (*curve.Clip, error) {
	b, err := db.ClipBytes(id)
	if err != nil {
		return nil, err
	}
	return curve.ParseClip(b)
}

// StreamIn requests that the bulk tier be made resident.  Main-thread
// only, but may run at any point, even while decompression readers are
// active.
func (db *Database) StreamIn() RequestResult {
	result := db.ctx.StreamIn()
	db.logStreamResult("stream_in", result)
	return result
}

// StreamOut requests that the bulk tier be released.  Main-thread only,
// and the caller must guarantee no decompression reader is active: hosts
// defer the call until all of the current frame's consumers finish.
func (db *Database) StreamOut() RequestResult {
	result := db.ctx.StreamOut()
	db.logStreamResult("stream_out", result)
	return result
}

func (db *Database) logStreamResult(op string, result RequestResult) {
	switch result {
	case NotInitialized:
		db.logger.Warn("database context not initialized", "op", op, "path", db.path)
	case Streaming:
		db.logger.Info("database streaming already in progress", "op", op, "path", db.path)
	case Dispatched:
		db.logger.Info("database streaming request dispatched", "op", op, "path", db.path)
	case Done:
		db.logger.Info("database streaming already done", "op", op, "path", db.path)
	default:
		db.logger.Info("unknown streaming request result", "op", op, "result", int(result), "path", db.path)
	}
}

// WaitForStreaming blocks until any in-flight streaming request has
// completed.  Mostly useful in tests and teardown paths; the runtime
// control surface never needs to block.  A no-op on a closed database,
// which holds no streamer and can have nothing in flight.
func (db *Database) WaitForStreaming() {
	if db.streamer != nil {
		db.streamer.Wait()
	}
}

// Close waits for any pending streaming request, tears down the context,
// and releases the streamer and the core mapping.  Callers must guarantee
// no decompression reader is still running: freeing the bulk buffer while
// an async read targets it is a use-after-free, which the wait-then-free
// ordering here prevents.
func (db *Database) Close() error {
	db.ctx.Reset()
	return db.releaseResources()
}

func (db *Database) releaseResources() error {
	var firstErr error
	if db.streamer != nil {
		if err := db.streamer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.streamer = nil
	}
	if db.bulkFile != nil {
		if err := db.bulkFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.bulkFile = nil
	}
	if db.coreMmap != nil {
		if err := unix.Munmap(db.coreMmap); err != nil && firstErr == nil {
			firstErr = err
		}
		db.coreMmap = nil
	}
	return firstErr
}
