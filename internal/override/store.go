package override

import (
	"fmt"
	"sync"
	"time"
)

// Store is one tab's view of the active overrides. Every mutating call
// recomputes IsExpiringSoon for the whole set before returning, so callers
// never observe a stale flag.
type Store struct {
	mu        sync.RWMutex
	entries   []Override
	threshold time.Duration
}

// Diff describes what ReplaceAll changed, keyed by override id.
type Diff struct {
	Added   []Override
	Removed []Override
	Updated []Override
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

func NewStore(threshold time.Duration) *Store {
	if threshold <= 0 {
		threshold = DefaultWarningThreshold
	}
	return &Store{threshold: threshold}
}

func (s *Store) Threshold() time.Duration {
	return s.threshold
}

// Create inserts entry, first dropping any override occupying the same
// (serviceId, envId) slot. The dropped entries are returned.
func (s *Store) Create(entry Override, now time.Time) ([]Override, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.Key()
	var superseded []Override
	kept := s.entries[:0:0]
	for _, existing := range s.entries {
		if existing.Key() == key || existing.ID == entry.ID {
			superseded = append(superseded, existing)
			continue
		}
		kept = append(kept, existing)
	}
	s.entries = append(kept, entry)
	s.refreshLocked(now)
	return superseded, nil
}

// Renew moves each matching override's expiry to now + TotalDuration.
// Renewing twice at the same instant yields the same result as once. An
// override whose expiry has passed is not renewed.
func (s *Store) Renew(now time.Time, ids ...string) []Override {
	wanted := idSet(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := now.UnixMilli()
	var renewed []Override
	for i := range s.entries {
		if _, ok := wanted[s.entries[i].ID]; !ok || s.entries[i].Expired(now) {
			continue
		}
		s.entries[i].StartTime = nowMs
		s.entries[i].ExpiryTime = nowMs + s.entries[i].TotalDuration
		s.entries[i].IsExpiringSoon = false
		renewed = append(renewed, s.entries[i])
	}
	s.refreshLocked(now)
	return renewed
}

func (s *Store) Remove(now time.Time, ids ...string) []Override {
	wanted := idSet(ids)
	return s.RemoveWhere(now, func(o Override) bool {
		_, ok := wanted[o.ID]
		return ok
	})
}

func (s *Store) RemoveWhere(now time.Time, match func(Override) bool) []Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Override
	kept := s.entries[:0:0]
	for _, existing := range s.entries {
		if match != nil && match(existing) {
			removed = append(removed, existing)
			continue
		}
		kept = append(kept, existing)
	}
	s.entries = kept
	s.refreshLocked(now)
	return removed
}

// TakeExpired drops every override with expiryTime <= now and returns
// them. The remaining set has its derived flags recomputed.
func (s *Store) TakeExpired(now time.Time) []Override {
	return s.RemoveWhere(now, func(o Override) bool {
		return o.Expired(now)
	})
}

// ReplaceAll adopts an incoming snapshot, last write wins. Rows that are
// already expired are dropped, and when the snapshot carries more than one
// row for a slot the most recently started one survives. A snapshot with
// any invalid row is rejected as a whole and leaves the store untouched.
// Re-applying the current state is a no-op and yields an empty Diff.
func (s *Store) ReplaceAll(incoming []Override, now time.Time) (Diff, error) {
	for i, row := range incoming {
		if err := row.Validate(); err != nil {
			return Diff{}, fmt.Errorf("%w: row %d: %v", ErrMalformedSnapshot, i, err)
		}
	}
	next := dedupeLatest(incoming, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	current := make(map[string]Override, len(s.entries))
	for _, existing := range s.entries {
		current[existing.ID] = existing
	}
	var diff Diff
	seen := make(map[string]struct{}, len(next))
	for _, row := range next {
		seen[row.ID] = struct{}{}
		existing, ok := current[row.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, row)
		case !existing.sameState(row):
			diff.Updated = append(diff.Updated, row)
		}
	}
	for _, existing := range s.entries {
		if _, ok := seen[existing.ID]; !ok {
			diff.Removed = append(diff.Removed, existing)
		}
	}
	if diff.Empty() {
		s.refreshLocked(now)
		return diff, nil
	}
	s.entries = next
	s.refreshLocked(now)
	return diff, nil
}

// Refresh recomputes the derived flags against now and returns the set.
func (s *Store) Refresh(now time.Time) []Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(now)
	return append([]Override(nil), s.entries...)
}

func (s *Store) Snapshot() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Override(nil), s.entries...)
}

// Expiring recomputes the derived flags against now and returns the live
// overrides expiring soon. Rows already past their expiry are left for the
// clock to drop and are never part of the set.
func (s *Store) Expiring(now time.Time) []Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(now)
	var out []Override
	for _, entry := range s.entries {
		if entry.IsExpiringSoon && !entry.Expired(now) {
			out = append(out, entry)
		}
	}
	return out
}

func (s *Store) Get(id string) (Override, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.entries {
		if entry.ID == id {
			return entry, true
		}
	}
	return Override{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) refreshLocked(now time.Time) {
	for i := range s.entries {
		s.entries[i].IsExpiringSoon = ExpiringSoon(s.entries[i].ExpiryTime, now, s.threshold)
	}
}

func dedupeLatest(rows []Override, now time.Time) []Override {
	live := make([]Override, 0, len(rows))
	for _, row := range rows {
		if row.Expired(now) {
			continue
		}
		row.IsExpiringSoon = false
		live = append(live, row)
	}
	newer := func(i, j int) bool {
		if live[i].StartTime != live[j].StartTime {
			return live[i].StartTime > live[j].StartTime
		}
		return i > j
	}
	bySlot := make(map[Key]int, len(live))
	for i, row := range live {
		if j, ok := bySlot[row.Key()]; !ok || newer(i, j) {
			bySlot[row.Key()] = i
		}
	}
	byID := make(map[string]int, len(bySlot))
	for _, i := range bySlot {
		id := live[i].ID
		if j, ok := byID[id]; !ok || newer(i, j) {
			byID[id] = i
		}
	}
	keep := make(map[int]struct{}, len(byID))
	for _, i := range byID {
		keep[i] = struct{}{}
	}
	out := make([]Override, 0, len(keep))
	for i, row := range live {
		if _, ok := keep[i]; ok {
			out = append(out, row)
		}
	}
	return out
}

func idSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
