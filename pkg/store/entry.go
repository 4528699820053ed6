package store

import (
	"encoding/json"
	"time"

	"github.com/peersync/apicache/pkg/validation"
)

// Entry is a single cached API response. Entries are immutable value
// objects: an update always replaces the whole entry.
//
// Timestamp is the write time in unix nanoseconds. It drives TTL expiry,
// last-write-wins merging, and eviction order. Reads never refresh it, so
// eviction is FIFO-by-write, not LRU.
type Entry struct {
	Key              string          `json:"key"`
	Data             json.RawMessage `json:"data"`
	Timestamp        int64           `json:"timestamp"`
	TTLSeconds       int64           `json:"ttl"`
	ContentHash      string          `json:"content_hash,omitempty"`
	ValidationFields map[string]any  `json:"validation_fields,omitempty"`
	SourcePeer       string          `json:"source_peer,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return now.UnixNano()-e.Timestamp > e.TTLSeconds*int64(time.Second)
}

// Stale reports whether fresh validation fields no longer hash to the
// stored content hash. Entries without a content hash never report stale;
// they fall back to TTL expiry alone.
func (e Entry) Stale(fresh map[string]any) bool {
	if e.ContentHash == "" || fresh == nil {
		return false
	}
	return validation.Hash(fresh) != e.ContentHash
}

// TTL returns the entry's time to live as a duration.
func (e Entry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}
