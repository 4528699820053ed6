// Package store holds the authoritative local cache state: an in-memory
// map of entries with TTL and content-hash staleness checks, capacity
// eviction, hit/miss counters, and best-effort disk persistence.
package store

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const persistQueueSize = 256

// Store is safe for concurrent use. A single mutex guards the entry map
// and the counters; critical sections never touch the disk or the
// network. Persistence runs on its own goroutine fed by a bounded queue.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	stats   Stats

	maxSize int
	dir     string // empty disables persistence

	// persistMu serializes every disk mutation against the persist
	// worker, so a removal can never interleave with an in-flight save of
	// the same file.
	persistMu sync.Mutex
	persistCh chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger logrus.FieldLogger
}

// New creates a store holding at most maxSize entries (0 means
// unlimited). When dir is non-empty, surviving entries from a previous
// run are loaded from it and every write is persisted back.
func New(dir string, maxSize int, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		logger = discard
	}
	s := &Store{
		entries:   map[string]Entry{},
		maxSize:   maxSize,
		dir:       dir,
		persistCh: make(chan Entry, persistQueueSize),
		done:      make(chan struct{}),
		logger:    logger.WithField("module", "store"),
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if err := s.loadFromDisk(); err != nil {
			return nil, err
		}
		s.wg.Add(1)
		go s.persistLoop()
	}
	return s, nil
}

// Get returns the cached payload for key. It reports a miss when the key
// is absent, expired, or, when fresh validation fields are supplied,
// stale. Expired and stale entries are removed as a side effect.
func (s *Store) Get(key string, fresh map[string]any) ([]byte, bool) {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}
	if e.Expired(now) || e.Stale(fresh) {
		delete(s.entries, key)
		s.stats.Expirations++
		s.stats.Misses++
		s.mu.Unlock()
		s.removeFile(key)
		return nil, false
	}
	if e.SourcePeer != "" {
		s.stats.PeerHits++
	} else {
		s.stats.Hits++
	}
	s.mu.Unlock()
	return e.Data, true
}

// Put inserts or replaces the entry for key, evicting the oldest-written
// entry first when the store is full. The disk write is queued off the
// lock and never blocks the caller.
func (s *Store) Put(key string, e Entry) {
	e.Key = key

	s.mu.Lock()
	evicted := s.evictIfFull(key)
	s.entries[key] = e
	s.mu.Unlock()

	s.removeFile(evicted)
	s.enqueuePersist(e)
}

// MergeRemote applies an entry received from a peer. The incoming entry
// wins only when its timestamp is strictly greater than the local one;
// ties keep the local entry. Entries whose validation fields don't hash
// to the carried content hash are rejected outright.
func (s *Store) MergeRemote(key string, e Entry) bool {
	e.Key = key
	if e.ContentHash != "" && e.ValidationFields != nil && e.Stale(e.ValidationFields) {
		s.logger.Debugf("rejecting remote entry %q: content hash mismatch", key)
		return false
	}

	s.mu.Lock()
	if cur, ok := s.entries[key]; ok && e.Timestamp <= cur.Timestamp {
		s.mu.Unlock()
		return false
	}
	evicted := s.evictIfFull(key)
	s.entries[key] = e
	s.mu.Unlock()

	s.removeFile(evicted)
	s.enqueuePersist(e)
	return true
}

// Invalidate removes the entry for key and its persisted file.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		s.removeFile(key)
	}
	return ok
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were removed.
func (s *Store) InvalidatePrefix(prefix string) int {
	var removed []string
	s.mu.Lock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed = append(removed, key)
		}
	}
	s.mu.Unlock()

	for _, key := range removed {
		s.removeFile(key)
	}
	return len(removed)
}

// Clear empties the store, zeroes all counters, and deletes every
// persisted file.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = map[string]Entry{}
	s.stats = Stats{}
	s.mu.Unlock()

	if s.dir != "" {
		s.persistMu.Lock()
		removeAllEntryFiles(s.dir)
		s.persistMu.Unlock()
	}
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Flush synchronously writes every entry to disk. Called on shutdown,
// after Close has stopped the persistence worker.
func (s *Store) Flush() {
	if s.dir == "" {
		return
	}
	s.mu.Lock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	for _, e := range entries {
		if err := saveEntry(s.dir, e); err != nil {
			s.logger.Warnf("flush %q: %v", e.Key, err)
		}
	}
}

// Close stops the persistence worker. It does not flush; call Flush
// afterwards when entries should survive the process.
func (s *Store) Close() {
	if s.dir == "" {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// evictIfFull removes the entry with the smallest write timestamp when
// the store is at capacity and key is not already present. It returns the
// evicted key, if any. Caller must hold s.mu.
func (s *Store) evictIfFull(key string) string {
	if s.maxSize <= 0 || len(s.entries) < s.maxSize {
		return ""
	}
	if _, ok := s.entries[key]; ok {
		return ""
	}
	oldest := ""
	var oldestTS int64
	for k, e := range s.entries {
		if oldest == "" || e.Timestamp < oldestTS {
			oldest = k
			oldestTS = e.Timestamp
		}
	}
	if oldest == "" {
		return ""
	}
	delete(s.entries, oldest)
	s.stats.Evictions++
	return oldest
}

func (s *Store) loadFromDisk() error {
	entries, err := loadEntries(s.dir, time.Now())
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.entries[e.Key] = e
	}
	if len(entries) > 0 {
		s.logger.Debugf("loaded %d persisted entries", len(entries))
	}
	return nil
}

func (s *Store) enqueuePersist(e Entry) {
	if s.dir == "" {
		return
	}
	select {
	case s.persistCh <- e:
	default:
		s.logger.Debugf("persist queue full, dropping write for %q", e.Key)
	}
}

// removeFile deletes the persisted file for key, serialized against the
// persist worker. A no-op for an empty key or a memory-only store.
func (s *Store) removeFile(key string) {
	if key == "" || s.dir == "" {
		return
	}
	s.persistMu.Lock()
	removeEntryFile(s.dir, key)
	s.persistMu.Unlock()
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.persistCh:
			s.persistEntry(e)
		case <-s.done:
			return
		}
	}
}

// persistEntry writes a queued entry, but only while the map still holds
// that exact write. A queued entry whose key was since invalidated,
// cleared, or replaced is skipped, so its file can never reappear after
// the removal already ran.
func (s *Store) persistEntry(e Entry) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	cur, ok := s.entries[e.Key]
	s.mu.Unlock()
	if !ok || cur.Timestamp != e.Timestamp {
		return
	}
	if err := saveEntry(s.dir, e); err != nil {
		s.logger.Warnf("persist %q: %v", e.Key, err)
	}
}
