// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

var (
	ErrStreamingIO        = errors.New("database bulk streaming failed")
	ErrAlreadyInitialized = errors.New("database context already initialized")
)

// State is the bulk-tier residency state of a database context.
type State uint32

const (
	Uninitialized State = iota
	Idle                // initialized, bulk not resident
	StreamingIn
	Resident // bulk fully resident
	StreamingOut
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case StreamingIn:
		return "streaming_in"
	case Resident:
		return "resident"
	case StreamingOut:
		return "streaming_out"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// RequestResult is the immediate outcome of a stream-in or stream-out
// request.
type RequestResult int

const (
	// Dispatched means a new I/O request was started.
	Dispatched RequestResult = iota
	// Streaming means a request is already in flight; no new I/O was
	// issued.
	Streaming
	// Done means the context is already in the requested state.
	Done
	// NotInitialized means the context has no database bound.
	NotInitialized
)

func (r RequestResult) String() string {
	switch r {
	case Dispatched:
		return "dispatched"
	case Streaming:
		return "streaming"
	case Done:
		return "done"
	case NotInitialized:
		return "not_initialized"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// request tracks one in-flight stream-in.  Its done channel closes after
// the state transition for the completion has been applied.
type request struct {
	done chan struct{}
	ok   bool
}

// Context binds a loaded database to its streamer and tracks bulk-tier
// residency.  StreamIn, StreamOut and Reset are control-thread operations;
// BulkData is safe from any number of concurrent decompression readers.
//
// The zero Context is valid and Uninitialized.
type Context struct {
	mu       sync.Mutex
	state    State
	streamer Streamer
	bulkSize uint32
	digest   [32]byte
	pending  *request
	lastErr  error

	// resident is the only piece of state completion callbacks touch
	// that readers observe; it flips to true strictly after the bulk
	// buffer is fully populated and verified
	resident atomic.Bool

	logger *slog.Logger
}

// Initialize binds the context to a streamer for a bulk segment of
// bulkSize bytes whose expected BLAKE3 digest is digest.  The digest is
// re-verified after every stream-in before the tier is published to
// readers.
func (c *Context) Initialize(s Streamer, bulkSize uint32, digest [32]byte, logger *slog.Logger) error {
	if s == nil {
		return errors.New("stream: nil streamer")
	}
	if bulkSize == 0 {
		return errors.New("stream: zero-size bulk segment")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Uninitialized {
		return ErrAlreadyInitialized
	}
	c.streamer = s
	c.bulkSize = bulkSize
	c.digest = digest
	c.logger = logger
	c.state = Idle
	return nil
}

// IsInitialized reports whether a database is bound.
func (c *Context) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Uninitialized
}

// State returns the current residency state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure recorded by the most recent streaming request,
// nil if it succeeded.  Cleared when a new request is dispatched.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// BulkData returns the resident bulk segment, or nil when the bulk tier
// isn't resident.  The returned slice is only valid for the duration of
// the current decompression call: a stream-out invalidates it, so callers
// must re-resolve on every call and never cache it.
func (c *Context) BulkData() []byte {
	if !c.resident.Load() {
		return nil
	}
	return c.streamer.BulkData()
}

// StreamIn requests that the bulk tier be made resident.  Returns
// immediately; completion is asynchronous.  At most one request is in
// flight: a stream-in issued while one is pending coalesces into
// Streaming rather than queuing.
func (c *Context) StreamIn() RequestResult {
	c.mu.Lock()
	switch c.state {
	case Uninitialized:
		c.mu.Unlock()
		return NotInitialized
	case StreamingIn, StreamingOut:
		c.mu.Unlock()
		return Streaming
	case Resident:
		c.mu.Unlock()
		return Done
	}

	// Idle: the bulk buffer is allocated here and only here
	req := &request{done: make(chan struct{})}
	c.pending = req
	c.lastErr = nil
	c.state = StreamingIn
	streamer, size := c.streamer, c.bulkSize
	c.mu.Unlock()

	streamer.StreamIn(0, size, true, func(ok bool) {
		c.completeStreamIn(req, ok)
	})
	return Dispatched
}

// completeStreamIn runs on whatever goroutine the streamer completes on.
// It only performs the thread-safe residency transition; it never frees a
// buffer a reader could be holding (a failed request's buffer was never
// published).
func (c *Context) completeStreamIn(req *request, ok bool) {
	if ok {
		if digest := blake3.Sum256(c.streamer.BulkData()); digest != c.digest {
			c.logger.Warn("bulk digest mismatch after stream-in, discarding tier")
			c.streamer.StreamOut(0, c.bulkSize, true)
			ok = false
		}
	}

	c.mu.Lock()
	req.ok = ok
	c.pending = nil
	if ok {
		c.resident.Store(true)
		c.state = Resident
	} else {
		c.lastErr = ErrStreamingIO
		c.state = Idle
		c.logger.Warn("database stream-in failed, bulk tier not resident")
	}
	c.mu.Unlock()

	close(req.done)
}

// StreamOut requests that the bulk tier be released.  Must not run
// concurrently with decompression readers; the host defers it until all
// consumers of the current frame are finished.
func (c *Context) StreamOut() RequestResult {
	c.mu.Lock()
	switch c.state {
	case Uninitialized:
		c.mu.Unlock()
		return NotInitialized
	case StreamingIn, StreamingOut:
		c.mu.Unlock()
		return Streaming
	case Idle:
		c.mu.Unlock()
		return Done
	}

	// Resident: unpublish first, then free.  The bulk buffer is freed
	// here and only here.
	c.state = StreamingOut
	c.resident.Store(false)
	c.lastErr = nil
	streamer, size := c.streamer, c.bulkSize
	c.mu.Unlock()

	streamer.StreamOut(0, size, true)

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
	return Dispatched
}

// Reset synchronously waits for any in-flight request and returns the
// context to Uninitialized.  The caller guarantees no concurrent readers;
// freeing the streamer's memory while an async read targets it would be a
// use-after-free, which is exactly what the wait prevents.
func (c *Context) Reset() {
	c.waitForPending()

	c.mu.Lock()
	c.resident.Store(false)
	c.state = Uninitialized
	c.streamer = nil
	c.bulkSize = 0
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Context) waitForPending() {
	c.mu.Lock()
	req := c.pending
	c.mu.Unlock()
	if req != nil {
		<-req.done
	}
}
