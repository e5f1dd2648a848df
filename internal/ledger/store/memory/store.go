package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/pkg/platform/sentinel"
)

// InMemoryStore keeps records in append order behind a single mutex, which
// makes every Append atomic with its counter and outbox updates.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  []ledger.AuditRecord
	byEvent  map[conjunction.EventID]int
	counters ledger.Counters
	outbox   []outboxRow
}

type outboxRow struct {
	entry     ledger.OutboxEntry
	published bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byEvent: make(map[conjunction.EventID]int)}
}

// Clear drops every record, counter and outbox entry.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.byEvent = make(map[conjunction.EventID]int)
	s.counters = ledger.Counters{}
	s.outbox = nil
}

func (s *InMemoryStore) Append(ctx context.Context, rec ledger.AuditRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEvent[rec.EventID]; ok {
		return 0, fmt.Errorf("event %s: %w", rec.EventID, sentinel.ErrConflict)
	}
	rec = rec.Clone()
	rec.Sequence = int64(len(s.records)) + 1
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal outbox payload: %w", err)
	}

	s.byEvent[rec.EventID] = len(s.records)
	s.records = append(s.records, rec)
	s.counters = s.counters.Add(rec.Decision.Delta())
	s.outbox = append(s.outbox, outboxRow{entry: ledger.OutboxEntry{
		ID:          uuid.New(),
		AggregateID: rec.EventID.String(),
		EventType:   ledger.EventTypeDecisionRecorded,
		Payload:     payload,
		CreatedAt:   rec.RecordedAt,
	}})
	return rec.Sequence, nil
}

func (s *InMemoryStore) Get(_ context.Context, id conjunction.EventID) (ledger.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byEvent[id]
	if !ok {
		return ledger.AuditRecord{}, sentinel.ErrNotFound
	}
	return s.records[i].Clone(), nil
}

func (s *InMemoryStore) List(_ context.Context, afterSeq int64, limit int) ([]ledger.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(s.records)) || limit <= 0 {
		return []ledger.AuditRecord{}, nil
	}
	end := min(int(afterSeq)+limit, len(s.records))
	out := make([]ledger.AuditRecord, 0, end-int(afterSeq))
	for _, rec := range s.records[afterSeq:end] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Counters(_ context.Context) (ledger.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters, nil
}

// PendingOutbox returns up to limit unpublished entries, oldest first.
func (s *InMemoryStore) PendingOutbox(_ context.Context, limit int) ([]ledger.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []ledger.OutboxEntry{}
	for _, row := range s.outbox {
		if len(out) >= limit {
			break
		}
		if !row.published {
			out = append(out, row.entry)
		}
	}
	return out, nil
}

// MarkPublished flags the given entries as delivered.
func (s *InMemoryStore) MarkPublished(_ context.Context, ids []uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for i := range s.outbox {
		if _, ok := set[s.outbox[i].entry.ID]; ok {
			s.outbox[i].published = true
		}
	}
	return nil
}
