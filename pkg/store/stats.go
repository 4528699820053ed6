package store

// Stats holds the store's monotonic counters. They are scoped to the
// process lifetime and reset only by Clear.
type Stats struct {
	Hits        int64 `json:"hits"`
	PeerHits    int64 `json:"peer_hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// HitRate returns the fraction of lookups answered from the cache,
// counting entries learned from peers as hits.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.PeerHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits+s.PeerHits) / float64(total)
}
