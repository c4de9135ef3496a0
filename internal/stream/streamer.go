// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package stream owns the runtime residency of a database's bulk segment:
// a Streamer abstracts the asynchronous I/O backend that moves the bulk
// bytes, and a Context tracks which tiers are resident and enforces the
// at-most-one-request-in-flight discipline.
package stream

import (
	"io"
	"sync"
)

// Streamer abstracts the bulk-segment I/O backend.  A streamer owns the
// bulk buffer: it is allocated on the first stream-in request and freed on
// the final stream-out.  At most one request is in flight per streamer.
//
// There are exactly two implementations: FileStreamer (async reads from a
// persisted bulk blob) and NullStreamer (authoring mode, bulk already in
// memory).  The implementation is chosen when the database context is
// constructed and never switched afterwards.
type Streamer interface {
	// BulkData returns the bulk buffer, or nil while none is allocated.
	// Callers must not retain the slice across requests: it is invalid
	// the instant a stream-out frees it.
	BulkData() []byte

	// StreamIn asynchronously reads [offset, offset+length) of the bulk
	// blob into the bulk buffer, allocating the buffer first when
	// allocate is set.  done is invoked exactly once, possibly on an
	// I/O worker goroutine, with the request outcome.  On failure the
	// streamer releases a buffer it allocated for this request before
	// invoking done; the buffer was never published to readers.
	StreamIn(offset, length uint32, allocate bool, done func(ok bool))

	// StreamOut discards [offset, offset+length), freeing the bulk
	// buffer when deallocate is set.  Synchronous; callers guarantee no
	// concurrent reader is touching the buffer.
	StreamOut(offset, length uint32, deallocate bool)

	// Wait blocks until any in-flight request has completed.
	Wait()

	// Close waits for any in-flight request and releases the buffer.
	Close() error
}

// FileStreamer streams the bulk segment from a persisted blob through an
// io.ReaderAt, typically the database's .bulk file.
type FileStreamer struct {
	src  io.ReaderAt
	size uint32

	mu      sync.Mutex
	buf     []byte
	pending chan struct{}
}

var _ Streamer = &FileStreamer{}

// NewFileStreamer creates a streamer over a bulk blob of size bytes
// readable from src.  The streamer does not take ownership of src.
func NewFileStreamer(src io.ReaderAt, size uint32) *FileStreamer {
	return &FileStreamer{src: src, size: size}
}

func (s *FileStreamer) BulkData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

func (s *FileStreamer) StreamIn(offset, length uint32, allocate bool, done func(ok bool)) {
	// a superseding request waits out the previous one
	s.Wait()

	s.mu.Lock()
	if allocate && s.buf == nil {
		s.buf = make([]byte, s.size)
	}
	buf := s.buf
	ch := make(chan struct{})
	s.pending = ch
	s.mu.Unlock()

	go func() {
		ok := false
		if buf != nil && uint64(offset)+uint64(length) <= uint64(s.size) {
			n, err := s.src.ReadAt(buf[offset:offset+length], int64(offset))
			ok = err == nil && n == int(length)
		}
		if !ok && allocate {
			// nothing ever saw this buffer; release it so a failed
			// stream-in leaves no residue
			s.mu.Lock()
			s.buf = nil
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		close(ch)

		done(ok)
	}()
}

func (s *FileStreamer) StreamOut(offset, length uint32, deallocate bool) {
	s.Wait()
	if deallocate {
		s.mu.Lock()
		s.buf = nil
		s.mu.Unlock()
	}
}

func (s *FileStreamer) Wait() {
	s.mu.Lock()
	ch := s.pending
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (s *FileStreamer) Close() error {
	s.Wait()
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
	return nil
}

// NullStreamer is the authoring-mode stub: the bulk segment already lives
// in memory, so requests complete inline and nothing is ever allocated or
// freed.
type NullStreamer struct {
	bulk []byte
}

var _ Streamer = &NullStreamer{}

func NewNullStreamer(bulk []byte) *NullStreamer {
	return &NullStreamer{bulk: bulk}
}

func (s *NullStreamer) BulkData() []byte {
	return s.bulk
}

func (s *NullStreamer) StreamIn(offset, length uint32, allocate bool, done func(ok bool)) {
	done(true)
}

func (s *NullStreamer) StreamOut(offset, length uint32, deallocate bool) {}

func (s *NullStreamer) Wait() {}

func (s *NullStreamer) Close() error {
	return nil
}
