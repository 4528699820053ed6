// Package registry implements peer discovery without a coordination
// server. Every process upserts its own descriptor into a shared bolthold
// file (e.g. on a network mount reachable by all runners) and lists the
// descriptors of others, filtered by a liveness window.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// Record is one process's descriptor in the rendezvous store.
//
// OwnerID is the record key. It embeds a per-process UUID on top of the
// runner name, so two runners that happen to share a name never clobber
// each other's registrations.
type Record struct {
	OwnerID       string            `boltholdKey:"OwnerID" json:"descriptor_owner_id"`
	PeerID        string            `json:"peer_id"`
	PublicAddress string            `json:"public_address"`
	ListenPort    int               `json:"listen_port"`
	FullAddress   string            `json:"full_multiaddress"`
	LastSeen      int64             `boltholdIndex:"LastSeen" json:"last_seen"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Live reports whether the record was refreshed within ttl of now.
func (r Record) Live(now time.Time, ttl time.Duration) bool {
	return now.Unix()-r.LastSeen < int64(ttl/time.Second)
}

// Registry announces this process and discovers peers. All I/O failures
// are logged and surface as "zero peers this round", never as a hard
// error to the caller.
type Registry struct {
	path    string
	ownerID string
	self    Record
	peerTTL time.Duration
	logger  logrus.FieldLogger
}

func New(path, runnerName string, peerTTL time.Duration, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		logger = discard
	}
	return &Registry{
		path:    path,
		ownerID: fmt.Sprintf("%s-%s", runnerName, uuid.NewString()),
		peerTTL: peerTTL,
		logger:  logger.WithField("module", "registry"),
	}
}

// SetSelf fills in this process's network descriptor once the transport
// is listening.
func (r *Registry) SetSelf(peerID, publicAddress string, listenPort int, fullAddress string, metadata map[string]string) {
	r.self = Record{
		OwnerID:       r.ownerID,
		PeerID:        peerID,
		PublicAddress: publicAddress,
		ListenPort:    listenPort,
		FullAddress:   fullAddress,
		Metadata:      metadata,
	}
}

// Register upserts this process's descriptor with a fresh last-seen
// timestamp. Called once at startup and again on every heartbeat.
func (r *Registry) Register() error {
	db, err := r.openDB()
	if err != nil {
		r.logger.Warnf("open registry: %v", err)
		return err
	}
	defer db.Close()

	rec := r.self
	rec.LastSeen = time.Now().UTC().Unix()
	if err := db.Upsert(rec.OwnerID, rec); err != nil {
		r.logger.Warnf("register: %v", err)
		return err
	}
	return nil
}

// Discover lists up to max live peer descriptors, excluding this process
// and any record past the liveness window.
func (r *Registry) Discover(max int) []Record {
	db, err := r.openDB()
	if err != nil {
		r.logger.Warnf("open registry: %v", err)
		return nil
	}
	defer db.Close()

	// live means strictly younger than the window, so a record aged
	// exactly peerTTL is already out
	cutoff := time.Now().UTC().Add(-r.peerTTL).Unix()
	var records []Record
	if err := db.Find(&records, bolthold.Where("LastSeen").Gt(cutoff)); err != nil {
		r.logger.Warnf("discover: %v", err)
		return nil
	}

	peers := records[:0]
	for _, rec := range records {
		if rec.OwnerID == r.ownerID || rec.PeerID == r.self.PeerID {
			continue
		}
		peers = append(peers, rec)
		if max > 0 && len(peers) == max {
			break
		}
	}
	return peers
}

// Cleanup deletes descriptors past the liveness window and returns how
// many were removed.
func (r *Registry) Cleanup() int {
	db, err := r.openDB()
	if err != nil {
		r.logger.Warnf("open registry: %v", err)
		return 0
	}
	defer db.Close()

	cutoff := time.Now().UTC().Add(-r.peerTTL).Unix()
	var expired []Record
	if err := db.Find(&expired, bolthold.Where("LastSeen").Le(cutoff)); err != nil {
		r.logger.Warnf("cleanup: %v", err)
		return 0
	}
	removed := 0
	for _, rec := range expired {
		if err := db.Delete(rec.OwnerID, &Record{}); err != nil {
			r.logger.Warnf("cleanup %q: %v", rec.OwnerID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Debugf("pruned %d expired peer records", removed)
	}
	return removed
}

// OwnerID returns this process's unique registration key.
func (r *Registry) OwnerID() string { return r.ownerID }

// The registry file is shared between processes, so it is opened and
// closed around every operation; the bbolt lock timeout bounds the wait
// when another runner holds the file.
func (r *Registry) openDB() (*bolthold.Store, error) {
	return bolthold.Open(r.path, 0o644, &bolthold.Options{
		Encoder: json.Marshal,
		Decoder: json.Unmarshal,
		Options: &bbolt.Options{
			Timeout:      5 * time.Second,
			NoGrowSync:   bbolt.DefaultOptions.NoGrowSync,
			FreelistType: bbolt.DefaultOptions.FreelistType,
		},
	})
}
