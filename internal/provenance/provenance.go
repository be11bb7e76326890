// Package provenance keeps the append-only digest history for every file
// a session has touched.
//
// The history is the audit trail: every digest ever computed for a file,
// every digest asserted by metadata, and every digest restored from an
// exported session gets its own entry, in arrival order, forever. Nothing
// is deduplicated. Two identical computations an hour apart are two
// entries, and that repetition is evidence in itself.
package provenance

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"fixity/internal/digest"
)

// ErrEmptyFileID is returned by Append when the file identifier is blank.
var ErrEmptyFileID = errors.New("provenance: empty file id")

// Store holds per-file histories. Safe for concurrent use: batch consumers
// append while status readers snapshot.
type Store struct {
	mu        sync.RWMutex
	histories map[string][]digest.HashRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{histories: make(map[string][]digest.HashRecord)}
}

// Append adds a record to the file's history. The record is normalized and
// copied on the way in; the caller's value is never retained. Append never
// replaces or deduplicates.
func (s *Store) Append(fileID string, rec digest.HashRecord) error {
	if strings.TrimSpace(fileID) == "" {
		return ErrEmptyFileID
	}

	stored := rec.Clone()
	stored.Algorithm = stored.Algorithm.Normalize()
	stored.Value = strings.ToLower(strings.TrimSpace(stored.Value))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[fileID] = append(s.histories[fileID], stored)
	return nil
}

// History returns the file's records in append order. The result is a deep
// copy; mutating it cannot reach the stored history. Unknown files yield an
// empty slice.
func (s *Store) History(fileID string) []digest.HashRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.histories[fileID]
	out := make([]digest.HashRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

// Latest returns the most recent record for the file, by append order.
func (s *Store) Latest(fileID string) (digest.HashRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.histories[fileID]
	if len(recs) == 0 {
		return digest.HashRecord{}, false
	}
	return recs[len(recs)-1].Clone(), true
}

// Len reports how many records the file has.
func (s *Store) Len(fileID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories[fileID])
}

// Files returns the known file identifiers, sorted.
func (s *Store) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.histories))
	for id := range s.histories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FindMatching scans the file's history for an entry with the same
// algorithm and digest value, both compared case-insensitively. The oldest
// match is returned as a copy. This is the self-verification lookup: a
// fresh digest that equals any prior entry confirms the file is unchanged
// since that entry was recorded.
func (s *Store) FindMatching(fileID string, alg digest.Algorithm, value string) (digest.HashRecord, bool) {
	want := digest.New(alg, value)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.histories[fileID] {
		if rec.Digest().Equal(want) {
			return rec.Clone(), true
		}
	}
	return digest.HashRecord{}, false
}
