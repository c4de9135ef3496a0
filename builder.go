// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package animdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgryski/go-farm"
	"github.com/fxamacker/cbor/v2"

	"github.com/bpowers/animdb/curve"
	"github.com/bpowers/animdb/internal/container"
)

// ClipID is the 32-bit hash identifying one clip within a database build.
type ClipID uint32

// ClipIDFromName derives a clip's id from its authoring name.
func ClipIDFromName(name string) ClipID {
	return ClipID(farm.Hash32([]byte(name)))
}

// Error taxonomy for builds and loads.  Build failures are terminal for
// that attempt and leave previously persisted artifacts untouched.
var (
	ErrInvalidInput = curve.ErrInvalidClip
	ErrMerge        = curve.ErrMerge
	ErrSplit        = container.ErrSplit
	ErrFormat       = container.ErrFormat

	ErrDuplicateClip = errors.New("duplicate clip id")
)

// BuilderOption configures the Builder.
type BuilderOption func(*builderOptions)

type builderOptions struct {
	logger   *slog.Logger
	settings curve.DatabaseSettings
}

// WithBuilderLogger sets an optional logger for the builder to use for
// progress updates.  If not provided, no logging output will be produced.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(opts *builderOptions) {
		opts.logger = logger
	}
}

// WithDatabaseSettings overrides the database merge settings.
func WithDatabaseSettings(settings curve.DatabaseSettings) BuilderOption {
	return func(opts *builderOptions) {
		opts.settings = settings
	}
}

// Builder merges independently compressed clips into one streamable
// database: a core artifact at the result path, the bulk segment at
// path+".bulk", and a build manifest at path+".manifest".  The three are
// persisted together as a unit -- a build that fails partway leaves any
// existing artifacts byte-identical to before the attempt.
type Builder struct {
	resultPath string
	ids        []ClipID
	clips      []*curve.Clip
	seen       map[ClipID]struct{}
	settings   curve.DatabaseSettings
	logger     *slog.Logger
}

// NewBuilder creates a Builder that persists its database at databasePath.
func NewBuilder(databasePath string, opts ...BuilderOption) (*Builder, error) {
	options := builderOptions{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		settings: curve.DefaultDatabaseSettings(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	databasePath, err := filepath.Abs(databasePath)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}

	return &Builder{
		resultPath: databasePath,
		seen:       make(map[ClipID]struct{}),
		settings:   options.settings,
		logger:     options.logger,
	}, nil
}

// Add registers a compressed clip under id.  Clips are validated here:
// any invalid clip fails the build rather than being silently skipped.
func (b *Builder) Add(id ClipID, clipBytes []byte) error {
	clip, err := curve.ParseClip(clipBytes)
	if err != nil {
		return fmt.Errorf("clip 0x%08x: %w", uint32(id), err)
	}
	// the mapping is keyed by id, but decompression sessions bind clips
	// by their embedded hash; a mismatch would turn every lookup into a
	// silent stale-mapping fallback
	if clip.IDHash() != uint32(id) {
		return fmt.Errorf("%w: clip registered as 0x%08x but compressed as 0x%08x",
			ErrInvalidInput, uint32(id), clip.IDHash())
	}
	if _, ok := b.seen[id]; ok {
		return fmt.Errorf("%w: 0x%08x", ErrDuplicateClip, uint32(id))
	}
	b.seen[id] = struct{}{}
	b.ids = append(b.ids, id)
	b.clips = append(b.clips, clip)
	return nil
}

// Finalize merges the registered clips, splits the result into core and
// bulk segments, and atomically persists the artifact trio.
func (b *Builder) Finalize() error {
	if len(b.clips) == 0 {
		return fmt.Errorf("%w: no clips to build", ErrMerge)
	}

	dbClips, bulk, err := curve.BuildDatabase(b.clips, b.settings)
	if err != nil {
		return fmt.Errorf("curve.BuildDatabase: %w", err)
	}

	blobs := make([][]byte, len(dbClips))
	hashes := make([]uint32, len(dbClips))
	var oldSize, newSize uint64
	for i, clip := range dbClips {
		blobs[i] = clip.Bytes()
		hashes[i] = uint32(b.ids[i])
		oldSize += uint64(b.clips[i].Size())
		newSize += uint64(clip.Size())
	}

	joined, err := container.Encode(blobs, hashes, bulk)
	if err != nil {
		return fmt.Errorf("container.Encode: %w", err)
	}
	core, bulkSeg, err := container.Split(joined)
	if err != nil {
		return fmt.Errorf("container.Split: %w", err)
	}

	view, err := container.Decode(core)
	if err != nil {
		return fmt.Errorf("container.Decode: %w", err)
	}
	manifestBytes, err := buildManifest(view, b.ids, dbClips, b.settings)
	if err != nil {
		return fmt.Errorf("buildManifest: %w", err)
	}

	b.logger.Info("built clip database",
		"path", b.resultPath,
		"clips", len(dbClips),
		"clip_bytes_before", oldSize,
		"clip_bytes_after", newSize,
		"core_bytes", len(core),
		"bulk_bytes", len(bulkSeg))

	return persistArtifacts(b.resultPath, core, bulkSeg, manifestBytes)
}

func bulkPath(databasePath string) string {
	return databasePath + ".bulk"
}

func manifestPath(databasePath string) string {
	return databasePath + ".manifest"
}

// manifest is the authoring-pipeline sidecar describing one build.  It is
// advisory metadata: the container header stays authoritative at load time.
type manifest struct {
	FormatVersion uint32         `cbor:"format_version"`
	ClipCount     uint32         `cbor:"clip_count"`
	CoreSize      uint64         `cbor:"core_size"`
	BulkSize      uint64         `cbor:"bulk_size"`
	CoreStride    uint32         `cbor:"core_stride"`
	CoreDigest    []byte         `cbor:"core_digest"`
	BulkDigest    []byte         `cbor:"bulk_digest"`
	Clips         []manifestClip `cbor:"clips"`
}

type manifestClip struct {
	ID     uint32 `cbor:"id"`
	Offset uint32 `cbor:"offset"`
	Size   uint32 `cbor:"size"`
}

func buildManifest(view *container.View, ids []ClipID, clips []*curve.Clip, settings curve.DatabaseSettings) ([]byte, error) {
	m := manifest{
		FormatVersion: 1,
		ClipCount:     view.Header.ClipCount,
		CoreSize:      view.Header.CoreSize,
		BulkSize:      view.Header.BulkSize,
		CoreStride:    settings.CoreStride,
		CoreDigest:    view.Header.CoreDigest[:],
		BulkDigest:    view.Header.BulkDigest[:],
	}
	for i, id := range ids {
		off, ok := view.Mapping.FindOffset(uint32(id))
		if !ok {
			return nil, fmt.Errorf("clip 0x%08x missing from freshly built mapping", uint32(id))
		}
		m.Clips = append(m.Clips, manifestClip{
			ID:     uint32(id),
			Offset: off,
			Size:   clips[i].Size(),
		})
	}
	return cbor.Marshal(&m)
}

// persistArtifacts writes all three temp files first, then renames them
// into place, so any I/O failure leaves the previous build untouched.
func persistArtifacts(databasePath string, core, bulk, manifestBytes []byte) error {
	dir := filepath.Dir(databasePath)

	type artifact struct {
		finalPath string
		data      []byte
		tmpPath   string
	}
	artifacts := []artifact{
		{finalPath: databasePath, data: core},
		{finalPath: bulkPath(databasePath), data: bulk},
		{finalPath: manifestPath(databasePath), data: manifestBytes},
	}

	cleanup := func() {
		for _, a := range artifacts {
			if a.tmpPath != "" {
				_ = os.Remove(a.tmpPath)
			}
		}
	}

	for i := range artifacts {
		f, err := os.CreateTemp(dir, "animdb-builder.*")
		if err != nil {
			cleanup()
			return fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", dir, err)
		}
		artifacts[i].tmpPath = f.Name()
		if _, err := f.Write(artifacts[i].data); err != nil {
			_ = f.Close()
			cleanup()
			return fmt.Errorf("write %s: %w", f.Name(), err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			cleanup()
			return fmt.Errorf("sync %s: %w", f.Name(), err)
		}
		if err := f.Close(); err != nil {
			cleanup()
			return fmt.Errorf("close %s: %w", f.Name(), err)
		}
		if err := os.Chmod(artifacts[i].tmpPath, 0444); err != nil {
			cleanup()
			return fmt.Errorf("os.Chmod(0444): %w", err)
		}
	}

	for _, a := range artifacts {
		if err := os.Rename(a.tmpPath, a.finalPath); err != nil {
			cleanup()
			return fmt.Errorf("os.Rename: %w", err)
		}
	}
	return nil
}
