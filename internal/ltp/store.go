// Package ltp holds the last-traded-price record and the concurrent store
// that every shard's consumer publishes into.
package ltp

import (
	"sync"
	"time"
)

// LTP is the atomic unit of market data the fabric delivers: the latest
// traded price for one instrument token.
type LTP struct {
	Token string    `json:"token"`
	Price float64   `json:"price"`
	TS    time.Time `json:"ts"`
}

// Store maps token to its most recent LTP. Many readers and many writers are
// supported; per key the last upsert wins.
type Store struct {
	mu sync.RWMutex
	m  map[string]LTP
}

// NewStore constructs an empty store.
func NewStore() *Store {
	s := new(Store)
	s.m = make(map[string]LTP)
	return s
}

// Upsert overwrites the record keyed by v.Token.
func (s *Store) Upsert(v LTP) {
	s.mu.Lock()
	s.m[v.Token] = v
	s.mu.Unlock()
}

// Get returns the current record for token, or false when none exists.
func (s *Store) Get(token string) (LTP, bool) {
	s.mu.RLock()
	v, ok := s.m[token]
	s.mu.RUnlock()
	return v, ok
}

// Snapshot returns a point-in-time copy of the full map.
func (s *Store) Snapshot() map[string]LTP {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]LTP, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// Len reports the number of tokens with a stored price.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
