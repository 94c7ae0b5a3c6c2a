package record

import "sync"

// Set is the shared identity-keyed record collection. Iteration order is the
// order records were first inserted. Safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]ComplianceRecord
}

// NewSet builds a Set from records. Later duplicates replace earlier ones in
// place.
func NewSet(records []ComplianceRecord) *Set {
	s := &Set{}
	s.Replace(records)
	return s
}

// Replace swaps the whole content.
func (s *Set) Replace(records []ComplianceRecord) {
	order := make([]string, 0, len(records))
	byID := make(map[string]ComplianceRecord, len(records))
	for _, r := range records {
		if _, ok := byID[r.ID]; !ok {
			order = append(order, r.ID)
		}
		byID[r.ID] = r.Clone()
	}
	s.mu.Lock()
	s.order, s.byID = order, byID
	s.mu.Unlock()
}

// Get returns a copy of the record with id.
func (s *Set) Get(id string) (ComplianceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return ComplianceRecord{}, false
	}
	return r.Clone(), true
}

// Update replaces an existing record by identity. It reports false, and
// changes nothing, when the id is unknown.
func (s *Set) Update(r ComplianceRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		return false
	}
	if _, ok := s.byID[r.ID]; !ok {
		return false
	}
	s.byID[r.ID] = r.Clone()
	return true
}

// Len returns the number of records.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Snapshot returns copies of all records in insertion order.
func (s *Set) Snapshot() []ComplianceRecord {
	return s.Select(func(ComplianceRecord) bool { return true })
}

// BySource returns copies of the records from src in insertion order.
func (s *Set) BySource(src Source) []ComplianceRecord {
	return s.Select(func(r ComplianceRecord) bool { return r.Source == src })
}

// Select returns copies of the records keep accepts, in insertion order.
func (s *Set) Select(keep func(ComplianceRecord) bool) []ComplianceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ComplianceRecord, 0, len(s.order))
	for _, id := range s.order {
		r := s.byID[id]
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}
