// Package registry tracks the peers currently in radio range.
//
// Each peer has at most one presence record. Records are created on the
// first qualifying observation, refreshed by later ones, and removed by
// Evict once they have gone unobserved for longer than the TTL.
package registry

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a peer may go unobserved before eviction.
const DefaultTTL = 15 * time.Second

// Outcome describes what Upsert did.
type Outcome int

const (
	// Ignored means the observation was for this node or had no peer id.
	Ignored Outcome = iota
	Created
	Updated
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "ignored"
	}
}

// Record is the presence record of one peer.
type Record struct {
	// PeerID is the logical identity resolved by the classifier.
	PeerID string

	// DisplayName is the advertised name at first sight.
	DisplayName string

	// Address is the hardware address at first sight.
	Address string

	// LastSignal is the most recent signal strength.
	LastSignal int

	// FirstSeenAt never changes after creation.
	FirstSeenAt time.Time

	// LastSeenAt is the time of the most recent observation.
	LastSeenAt time.Time
}

// Elapsed returns how long the peer has gone unobserved at now.
func (r Record) Elapsed(now time.Time) time.Duration {
	return now.Sub(r.LastSeenAt)
}

// Registry maps peer ids to presence records. It is safe for concurrent use.
type Registry struct {
	selfID string

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates an empty registry that refuses selfID.
func New(selfID string) *Registry {
	return &Registry{
		selfID:  selfID,
		records: make(map[string]*Record),
	}
}

// Upsert inserts a record for peerID or refreshes its signal and LastSeenAt.
// DisplayName, Address and FirstSeenAt of an existing record are kept.
func (r *Registry) Upsert(peerID, displayName, address string, signal int, now time.Time) Outcome {
	if peerID == "" || peerID == r.selfID {
		return Ignored
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[peerID]
	if !exists {
		r.records[peerID] = &Record{
			PeerID:      peerID,
			DisplayName: displayName,
			Address:     address,
			LastSignal:  signal,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		return Created
	}

	rec.LastSignal = signal
	rec.LastSeenAt = now
	if rec.LastSeenAt.Before(rec.FirstSeenAt) {
		rec.LastSeenAt = rec.FirstSeenAt
	}
	return Updated
}

// Evict removes every record unobserved for longer than ttl and returns the
// removed peer ids in sorted order.
func (r *Registry) Evict(now time.Time, ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, rec := range r.records {
		if now.Sub(rec.LastSeenAt) > ttl {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns a copy of all records sorted by peer id.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PeerID < result[j].PeerID
	})
	return result
}

// Get returns a copy of the record for peerID.
func (r *Registry) Get(peerID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[peerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
