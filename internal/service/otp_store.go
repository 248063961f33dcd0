package service

import (
	"context"
	"sync"
	"time"
)

// OTPEntry is the ephemeral verification state for one (user, type) pair.
type OTPEntry struct {
	Code     string
	Attempts int
}

// OTPStore is the ephemeral cache behind the verification engine. Keys
// carry a TTL; IncrementAttempts must be atomic per key and must not
// reset the remaining TTL.
type OTPStore interface {
	Put(ctx context.Context, userID uint, verificationType string, code string, ttl time.Duration) error
	Get(ctx context.Context, userID uint, verificationType string) (*OTPEntry, error)
	// IncrementAttempts bumps the attempt counter and returns the new
	// value, or 0 when the record no longer exists.
	IncrementAttempts(ctx context.Context, userID uint, verificationType string) (int, error)
	Delete(ctx context.Context, userID uint, verificationType string) error

	MarkSent(ctx context.Context, userID uint, verificationType string, at time.Time, ttl time.Duration) error
	LastSent(ctx context.Context, userID uint, verificationType string) (time.Time, bool, error)
}

type memoryOTPEntry struct {
	entry     OTPEntry
	expiresAt time.Time
}

type InMemoryOTPStore struct {
	mu       sync.Mutex
	entries  map[string]memoryOTPEntry
	lastSent map[string]memoryOTPSent
	now      func() time.Time
}

type memoryOTPSent struct {
	at        time.Time
	expiresAt time.Time
}

func NewInMemoryOTPStore() *InMemoryOTPStore {
	return &InMemoryOTPStore{
		entries:  make(map[string]memoryOTPEntry),
		lastSent: make(map[string]memoryOTPSent),
		now:      time.Now,
	}
}

func otpKey(userID uint, verificationType string) string {
	return verificationType + ":" + itoa(userID)
}

func (s *InMemoryOTPStore) Put(_ context.Context, userID uint, verificationType string, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[otpKey(userID, verificationType)] = memoryOTPEntry{
		entry:     OTPEntry{Code: code},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *InMemoryOTPStore) Get(_ context.Context, userID uint, verificationType string) (*OTPEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := otpKey(userID, verificationType)
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	cp := e.entry
	return &cp, nil
}

func (s *InMemoryOTPStore) IncrementAttempts(_ context.Context, userID uint, verificationType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := otpKey(userID, verificationType)
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return 0, nil
	}
	e.entry.Attempts++
	s.entries[key] = e
	return e.entry.Attempts, nil
}

func (s *InMemoryOTPStore) Delete(_ context.Context, userID uint, verificationType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, otpKey(userID, verificationType))
	return nil
}

func (s *InMemoryOTPStore) MarkSent(_ context.Context, userID uint, verificationType string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent[otpKey(userID, verificationType)] = memoryOTPSent{at: at, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryOTPStore) LastSent(_ context.Context, userID uint, verificationType string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := otpKey(userID, verificationType)
	sent, ok := s.lastSent[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if s.now().After(sent.expiresAt) {
		delete(s.lastSent, key)
		return time.Time{}, false, nil
	}
	return sent.at, true, nil
}

func itoa(v uint) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
