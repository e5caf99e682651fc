package identify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	mu      sync.Mutex
	state   State
	touched time.Time
}

// Store keeps one State per handle. A handle is owned by a single user (a
// chat, a browser); actions on the same handle are serialized.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	maxAttempts int
	ttl         time.Duration
	now         func() time.Time
}

func NewStore(maxAttempts int, ttl time.Duration) *Store {
	return &Store{
		sessions:    make(map[string]*entry),
		maxAttempts: maxAttempts,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Create allocates a fresh handle in AWAITING_IMAGE.
func (s *Store) Create() string {
	h := uuid.NewString()
	s.open(h)
	return h
}

func (s *Store) open(handle string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[handle]
	if !ok {
		e = &entry{state: Initial(s.maxAttempts), touched: s.now()}
		s.sessions[handle] = e
	}
	return e
}

func (s *Store) lookup(handle string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[handle]
	return e, ok
}

// Update runs fn with exclusive access to the handle's state. With create set
// a missing handle is initialized, otherwise ErrSessionNotFound is returned.
// The state fn leaves behind is stored even when fn returns an error.
func (s *Store) Update(handle string, create bool, fn func(st *State) error) error {
	e, err := s.acquire(handle, create)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	st := e.state.Clone()
	err = fn(&st)
	e.state = st
	e.touched = s.now()
	return err
}

// acquire returns the handle's entry locked. The entry can be swept between
// the map lookup and the lock, so membership is checked again once locked.
func (s *Store) acquire(handle string, create bool) (*entry, error) {
	for {
		var e *entry
		if create {
			e = s.open(handle)
		} else {
			var ok bool
			if e, ok = s.lookup(handle); !ok {
				return nil, ErrSessionNotFound
			}
		}
		e.mu.Lock()
		if cur, ok := s.lookup(handle); ok && cur == e {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// Snapshot returns a copy of the handle's state.
func (s *Store) Snapshot(handle string) (State, bool) {
	e, ok := s.lookup(handle)
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than the TTL and returns how many went.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, e := range s.sessions {
		if !e.mu.TryLock() {
			continue // busy means not idle
		}
		idle := e.touched.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(s.sessions, h)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}
