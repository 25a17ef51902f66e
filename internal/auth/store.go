package auth

import (
	"sync"
	"time"
)

// PendingSignup is an unverified signup awaiting its e-mailed code.
type PendingSignup struct {
	Email        string
	Code         string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	// Misses counts rejected verification attempts.
	Misses int
}

// pendingStore keeps at most one PendingSignup per email.
type pendingStore struct {
	mu        sync.Mutex
	records   map[string]PendingSignup
	maxMisses int
}

func newPendingStore(maxMisses int) *pendingStore {
	return &pendingStore{records: make(map[string]PendingSignup), maxMisses: maxMisses}
}

// put stores rec, replacing any earlier record for the same email.
func (s *pendingStore) put(rec PendingSignup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Email] = rec
}

// take removes and returns the record for email when match accepts it.
// A rejected record stays in place until it has been rejected maxMisses times.
func (s *pendingStore) take(email string, match func(PendingSignup) bool) (PendingSignup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[email]
	if !ok {
		return PendingSignup{}, false
	}
	if !match(rec) {
		rec.Misses++
		if s.maxMisses > 0 && rec.Misses >= s.maxMisses {
			delete(s.records, email)
		} else {
			s.records[email] = rec
		}
		return PendingSignup{}, false
	}
	delete(s.records, email)
	return rec, true
}

func (s *pendingStore) restore(rec PendingSignup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Email]; !ok {
		s.records[rec.Email] = rec
	}
}

// sweep drops records created before cutoff and returns how many were removed.
func (s *pendingStore) sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for email, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, email)
			removed++
		}
	}
	return removed
}

func (s *pendingStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
