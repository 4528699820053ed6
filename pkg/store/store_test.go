package store

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peersync/apicache/pkg/validation"
)

func newEntry(key string, data string, ttl time.Duration) Entry {
	return Entry{
		Key:        key,
		Data:       json.RawMessage(data),
		Timestamp:  time.Now().UnixNano(),
		TTLSeconds: int64(ttl / time.Second),
	}
}

func TestGetPut(t *testing.T) {
	s, err := New("", 0, nil)
	require.NoError(t, err)

	t.Run("roundtrip", func(t *testing.T) {
		s.Put("k", newEntry("k", `"v"`, time.Minute))
		data, ok := s.Get("k", nil)
		require.True(t, ok)
		assert.Equal(t, `"v"`, string(data))
		assert.EqualValues(t, 1, s.Stats().Hits)
	})

	t.Run("absent key misses", func(t *testing.T) {
		_, ok := s.Get("absent", nil)
		assert.False(t, ok)
		assert.EqualValues(t, 1, s.Stats().Misses)
	})

	t.Run("expired entry misses and is removed", func(t *testing.T) {
		e := newEntry("old", `"v"`, time.Second)
		e.Timestamp = time.Now().Add(-2 * time.Second).UnixNano()
		s.Put("old", e)

		before := s.Stats().Expirations
		_, ok := s.Get("old", nil)
		assert.False(t, ok)
		assert.EqualValues(t, before+1, s.Stats().Expirations)
		assert.Equal(t, 1, s.Len())
	})
}

func TestStaleness(t *testing.T) {
	s, err := New("", 0, nil)
	require.NoError(t, err)

	v1 := map[string]any{"r1": map[string]any{"updatedAt": "2025-01-01T00:00:00Z"}}
	v2 := map[string]any{"r1": map[string]any{"updatedAt": "2025-02-01T00:00:00Z"}}

	e := newEntry("list_repos", `[{"name":"r1"}]`, 5*time.Minute)
	e.ValidationFields = v1
	e.ContentHash = validation.Hash(v1)
	s.Put("list_repos", e)

	t.Run("matching fields hit", func(t *testing.T) {
		_, ok := s.Get("list_repos", v1)
		assert.True(t, ok)
	})

	t.Run("changed fields miss and drop the entry", func(t *testing.T) {
		_, ok := s.Get("list_repos", v2)
		assert.False(t, ok)
		assert.EqualValues(t, 1, s.Stats().Expirations)
		assert.Zero(t, s.Len())
	})

	t.Run("no content hash degrades to ttl", func(t *testing.T) {
		s.Put("plain", newEntry("plain", `"v"`, time.Minute))
		_, ok := s.Get("plain", v2)
		assert.True(t, ok)
	})
}

func TestEviction(t *testing.T) {
	s, err := New("", 2, nil)
	require.NoError(t, err)

	base := time.Now().UnixNano()
	for i, key := range []string{"first", "second", "third"} {
		e := newEntry(key, `"v"`, time.Minute)
		e.Timestamp = base + int64(i)
		s.Put(key, e)
	}

	assert.Equal(t, 2, s.Len())
	assert.EqualValues(t, 1, s.Stats().Evictions)

	// oldest write goes first
	_, ok := s.Get("first", nil)
	assert.False(t, ok)
	_, ok = s.Get("second", nil)
	assert.True(t, ok)
	_, ok = s.Get("third", nil)
	assert.True(t, ok)
}

func TestMergeRemote(t *testing.T) {
	s, err := New("", 0, nil)
	require.NoError(t, err)

	local := newEntry("k", `"local"`, time.Minute)
	s.Put("k", local)

	t.Run("older remote is a no-op", func(t *testing.T) {
		remote := newEntry("k", `"remote"`, time.Minute)
		remote.Timestamp = local.Timestamp - 1
		remote.SourcePeer = "peer-1"
		assert.False(t, s.MergeRemote("k", remote))

		data, ok := s.Get("k", nil)
		require.True(t, ok)
		assert.Equal(t, `"local"`, string(data))
	})

	t.Run("equal timestamp keeps local", func(t *testing.T) {
		remote := newEntry("k", `"remote"`, time.Minute)
		remote.Timestamp = local.Timestamp
		assert.False(t, s.MergeRemote("k", remote))
	})

	t.Run("newer remote wins and counts as peer hit", func(t *testing.T) {
		remote := newEntry("k", `"remote"`, time.Minute)
		remote.Timestamp = local.Timestamp + 1
		remote.SourcePeer = "peer-1"
		assert.True(t, s.MergeRemote("k", remote))

		before := s.Stats().PeerHits
		data, ok := s.Get("k", nil)
		require.True(t, ok)
		assert.Equal(t, `"remote"`, string(data))
		assert.EqualValues(t, before+1, s.Stats().PeerHits)
	})

	t.Run("content hash mismatch is rejected", func(t *testing.T) {
		remote := newEntry("k", `"tampered"`, time.Minute)
		remote.Timestamp = time.Now().UnixNano() + int64(time.Hour)
		remote.ValidationFields = map[string]any{"status": "completed"}
		remote.ContentHash = "deadbeef"
		assert.False(t, s.MergeRemote("k", remote))

		data, ok := s.Get("k", nil)
		require.True(t, ok)
		assert.Equal(t, `"remote"`, string(data))
	})
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, 0, nil)
	require.NoError(t, err)
	s.Put("repos/list", newEntry("repos/list", `["r1"]`, time.Hour))

	expired := newEntry("gone", `"v"`, time.Second)
	expired.Timestamp = time.Now().Add(-time.Minute).UnixNano()
	s.Put("gone", expired)

	s.Close()
	s.Flush()

	t.Run("filename is sanitized", func(t *testing.T) {
		_, err := os.Stat(entryFilename(dir, "repos/list"))
		assert.NoError(t, err)
		assert.Contains(t, entryFilename(dir, "repos/list"), "repos_list.json")
	})

	t.Run("entries survive a restart, expired ones don't", func(t *testing.T) {
		restored, err := New(dir, 0, nil)
		require.NoError(t, err)
		defer restored.Close()

		data, ok := restored.Get("repos/list", nil)
		require.True(t, ok)
		assert.Equal(t, `["r1"]`, string(data))

		_, ok = restored.Get("gone", nil)
		assert.False(t, ok)
	})
}

func TestInvalidateAndClear(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	s.Put("repos:a", newEntry("repos:a", `"a"`, time.Hour))
	s.Put("repos:b", newEntry("repos:b", `"b"`, time.Hour))
	s.Put("runners:c", newEntry("runners:c", `"c"`, time.Hour))
	s.Flush()

	t.Run("invalidate removes entry and file", func(t *testing.T) {
		assert.True(t, s.Invalidate("repos:a"))
		assert.False(t, s.Invalidate("repos:a"))
		_, err := os.Stat(entryFilename(dir, "repos:a"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("invalidate prefix counts removals", func(t *testing.T) {
		assert.Equal(t, 1, s.InvalidatePrefix("repos:"))
		assert.Equal(t, 0, s.InvalidatePrefix("repos:"))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("clear empties store, counters and files", func(t *testing.T) {
		s.Get("runners:c", nil) // bump a counter first
		s.Clear()
		assert.Zero(t, s.Len())
		assert.Equal(t, Stats{}, s.Stats())

		files, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, files)
	})
}

func TestClearDropsQueuedWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	// writes still sitting on the persist queue when Clear runs must not
	// resurrect their files afterwards
	for i := 0; i < 64; i++ {
		key := string(rune('a'+i%26)) + "-key"
		s.Put(key, newEntry(key, `"v"`, time.Hour))
	}
	s.Clear()

	time.Sleep(50 * time.Millisecond)
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)

	restored, err := New(dir, 0, nil)
	require.NoError(t, err)
	defer restored.Close()
	assert.Zero(t, restored.Len())
}

func TestHitRate(t *testing.T) {
	assert.Zero(t, Stats{}.HitRate())
	assert.InDelta(t, 0.75, Stats{Hits: 2, PeerHits: 1, Misses: 1}.HitRate(), 0.001)
}
