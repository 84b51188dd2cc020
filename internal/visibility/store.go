package visibility

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the journal store, used
// when no database is configured and in tests.
type MemoryStore struct {
	records []*TransitionRecord
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// RecordTransition appends one transition to the journal.
func (s *MemoryStore) RecordTransition(_ context.Context, rec *TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	clone.ID = s.nextID
	s.nextID++
	s.records = append(s.records, &clone)
	rec.ID = clone.ID
	return nil
}

func matches(rec *TransitionRecord, req *ListRequest) bool {
	if req.DocumentID != "" && rec.DocumentID != req.DocumentID {
		return false
	}
	if req.JobClass != "" && rec.JobClass != req.JobClass {
		return false
	}
	if req.Outcome != "" && rec.Outcome != req.Outcome {
		return false
	}
	if !req.Since.IsZero() && rec.ObservedAt.Before(req.Since) {
		return false
	}
	return true
}

// ListTransitions reads a filtered page, newest first.
func (s *MemoryStore) ListTransitions(_ context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	var found []*TransitionRecord
	for _, rec := range s.records {
		if matches(rec, req) {
			clone := *rec
			found = append(found, &clone)
		}
	}
	s.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].ObservedAt.Equal(found[j].ObservedAt) {
			return found[i].ID > found[j].ID
		}
		return found[i].ObservedAt.After(found[j].ObservedAt)
	})

	offset := decodeOffset(req.NextPageToken)
	if offset > int64(len(found)) {
		offset = int64(len(found))
	}
	found = found[offset:]

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var nextToken []byte
	if int64(len(found)) > int64(pageSize) {
		found = found[:pageSize]
		nextToken = encodeOffset(offset + int64(pageSize))
	}

	return &ListResponse{Records: found, NextPageToken: nextToken}, nil
}

// CountTransitions counts records matching the filter.
func (s *MemoryStore) CountTransitions(_ context.Context, req *ListRequest) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, rec := range s.records {
		if matches(rec, req) {
			count++
		}
	}
	return count, nil
}

// PruneBefore deletes records observed before the cutoff.
func (s *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var pruned int64
	for _, rec := range s.records {
		if rec.ObservedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return pruned, nil
}

func encodeOffset(offset int64) []byte {
	data, _ := json.Marshal(struct {
		Offset int64 `json:"offset"`
	}{Offset: offset})
	return []byte(base64.StdEncoding.EncodeToString(data))
}

func decodeOffset(token []byte) int64 {
	if len(token) == 0 {
		return 0
	}
	decoded, err := base64.StdEncoding.DecodeString(string(token))
	if err != nil {
		return 0
	}
	var t struct {
		Offset int64 `json:"offset"`
	}
	if json.Unmarshal(decoded, &t) != nil {
		return 0
	}
	return t.Offset
}
