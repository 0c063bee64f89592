package registry

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/opencampus/registrar/internal/account"
)

// entry pairs one account with its own lock, so transitions on different
// accounts never contend and readers of one account proceed in parallel.
type entry struct {
	mu  sync.RWMutex
	acc *account.Account
}

// Store holds accounts in insertion order next to a lock-free id → position
// index. The outer lock guards the slice's shape only; account content is
// guarded per entry. Lock order is always shape before entry, never the
// reverse.
type Store struct {
	mu      sync.RWMutex
	entries []*entry
	index   *xsync.MapOf[uint64, int]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{index: xsync.NewMapOf[uint64, int]()}
}

// Len returns the number of accounts currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// get resolves an id through the index while holding the shape read lock.
// The bounds and identity checks keep a stale index entry from ever serving
// the wrong account; at worst a stale entry reads as a miss.
func (s *Store) get(id uint64) (*entry, bool) {
	pos, ok := s.index.Load(id)
	if !ok || pos < 0 || pos >= len(s.entries) {
		return nil, false
	}
	e := s.entries[pos]
	if e.acc.ID() != id {
		return nil, false
	}
	return e, true
}

// View runs fn with shared access to the account's content.
func (s *Store) View(id uint64, fn func(*account.Account) error) error {
	s.mu.RLock()
	e, ok := s.get(id)
	if !ok {
		s.mu.RUnlock()
		return &NotFoundError{ID: id}
	}
	e.mu.RLock()
	s.mu.RUnlock()
	defer e.mu.RUnlock()
	return fn(e.acc)
}

// Update runs fn with exclusive access to the account's content. fn must not
// call back into the store.
func (s *Store) Update(id uint64, fn func(*account.Account) error) error {
	s.mu.RLock()
	e, ok := s.get(id)
	if !ok {
		s.mu.RUnlock()
		return &NotFoundError{ID: id}
	}
	e.mu.Lock()
	s.mu.RUnlock()
	defer e.mu.Unlock()
	return fn(e.acc)
}

// Insert appends the account and indexes its tail position. A duplicate id
// fails with ErrConflict; an existing account is never silently replaced.
func (s *Store) Insert(acc *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index.Load(acc.ID()); exists {
		return account.ErrConflict
	}
	s.entries = append(s.entries, &entry{acc: acc})
	s.index.Store(acc.ID(), len(s.entries)-1)
	return nil
}

// Remove deletes the account outright. It reports the state the account was
// in and whether it was present.
func (s *Store) Remove(id uint64) (account.State, bool) {
	state, found, removed := s.removeMatching(id, nil)
	return state, found && removed
}

// RemoveIf deletes the account only when pred holds, deciding under both
// locks so no transition can slip between the check and the splice. It
// reports the observed state, presence, and whether removal happened.
func (s *Store) RemoveIf(id uint64, pred func(*account.Account) bool) (account.State, bool, bool) {
	return s.removeMatching(id, pred)
}

func (s *Store) removeMatching(id uint64, pred func(*account.Account) bool) (account.State, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(id)
	if !ok {
		return "", false, false
	}

	e.mu.RLock()
	state := e.acc.State()
	keep := pred != nil && !pred(e.acc)
	e.mu.RUnlock()
	if keep {
		return state, true, false
	}

	pos, _ := s.index.Load(id)
	s.entries = append(s.entries[:pos], s.entries[pos+1:]...)
	s.rebuildIndexLocked()
	return state, true, true
}

// RemoveExpired drops every unverified account whose activation window has
// closed, compacting in a single pass and rebuilding the index once. It
// returns the removed ids.
func (s *Store) RemoveExpired(now time.Time) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []uint64
	kept := s.entries[:0]
	for _, e := range s.entries {
		e.mu.RLock()
		expired := e.acc.ExpiredUnverified(now)
		e.mu.RUnlock()
		if expired {
			removed = append(removed, e.acc.ID())
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil
	}

	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
	s.rebuildIndexLocked()
	return removed
}

// Range calls fn with exclusive access to every account. The shape read
// lock is held for the whole walk so membership cannot change mid-sweep;
// fn must be fast and must not block on I/O.
func (s *Store) Range(fn func(*account.Account)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		e.mu.Lock()
		fn(e.acc)
		e.mu.Unlock()
	}
}

// rebuildIndexLocked rescans positions after any membership or order change.
// Caller holds the shape write lock.
func (s *Store) rebuildIndexLocked() {
	s.index.Clear()
	for pos, e := range s.entries {
		s.index.Store(e.acc.ID(), pos)
	}
}
