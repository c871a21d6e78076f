// Package upload implements the chunked-upload session state machine: an
// in-memory table from upload-id to an in-progress blob upload, mutated by
// POST start / PATCH append / PUT finalize.
package upload

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JAG-UK/pincer/internal/blobstore"
	"github.com/JAG-UK/pincer/internal/digest"
)

var (
	// ErrNoSession is returned by Append/Finalize for an unknown upload-id.
	ErrNoSession = errors.New("upload: no such session")
	// ErrDigestMismatch is returned by Finalize when the caller-supplied
	// digest doesn't match the computed digest of the accumulated bytes.
	ErrDigestMismatch = errors.New("upload: digest mismatch")
)

// idleTimeout bounds how long an abandoned session lingers in memory, so a
// client that starts an upload and disappears doesn't leak memory forever.
const idleTimeout = time.Hour

type session struct {
	imageName string
	buf       bytes.Buffer
	touchedAt time.Time
}

// Table is the process-wide, concurrency-safe upload session map.
type Table struct {
	store *blobstore.Store

	mu       sync.Mutex
	sessions map[string]*session

	stop chan struct{}
}

// NewTable creates a session table that finalizes into store and sweeps
// idle sessions older than idleTimeout.
func NewTable(store *blobstore.Store) *Table {
	t := &Table{
		store:    store,
		sessions: map[string]*session{},
		stop:     make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Close stops the idle-sweep goroutine.
func (t *Table) Close() {
	close(t.stop)
}

func (t *Table) sweepLoop() {
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Table) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sessions {
		if now.Sub(s.touchedAt) > idleTimeout {
			delete(t.sessions, id)
		}
	}
}

// Start allocates a fresh upload-id and an empty session for imageName.
func (t *Table) Start(imageName string) string {
	id := uuid.New().String()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = &session{imageName: imageName, touchedAt: time.Now()}
	return id
}

// Append appends chunk to the session's buffer.
func (t *Table) Append(id string, chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return ErrNoSession
	}
	s.buf.Write(chunk)
	s.touchedAt = time.Now()
	return nil
}

// Size returns the current accumulated byte count for id.
func (t *Table) Size(id string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return 0, ErrNoSession
	}
	return s.buf.Len(), nil
}

// ImageName returns the image the session was started for.
func (t *Table) ImageName(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return "", ErrNoSession
	}
	return s.imageName, nil
}

// Finalize concatenates the session's chunks, computes the digest, and (if
// expectedDigest is non-empty) verifies it. On match, the bytes are written
// to the blob store and the session is removed. On mismatch, the session is
// left intact so the caller may retry with a corrected digest or abandon
// it (the idle sweep will eventually reclaim it).
func (t *Table) Finalize(id string, expectedDigest digest.Digest) (digest.Digest, []byte, error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	t.mu.Unlock()
	if !ok {
		return "", nil, ErrNoSession
	}

	content := s.buf.Bytes()
	actual := digest.FromBytes(content)
	if expectedDigest != "" && actual != expectedDigest {
		return "", nil, ErrDigestMismatch
	}

	if err := t.store.PutBlob(actual, content); err != nil {
		return "", nil, err
	}

	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()

	return actual, content, nil
}
