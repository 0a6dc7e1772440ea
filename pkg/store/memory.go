package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// MemoryStore is an in-process Store. All reads return copies.
type MemoryStore struct {
	mu         sync.RWMutex
	clients    map[string]contracts.ClientProfile
	final      map[string]contracts.LogEntry
	rejected   []contracts.LogEntry
	weekly     map[string]contracts.WeeklyFlagRecord
	weeklyKeys map[string]string
	escalation map[string]contracts.EscalationState
	clock      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:    make(map[string]contracts.ClientProfile),
		final:      make(map[string]contracts.LogEntry),
		weekly:     make(map[string]contracts.WeeklyFlagRecord),
		weeklyKeys: make(map[string]string),
		escalation: make(map[string]contracts.EscalationState),
		clock:      time.Now,
	}
}

// WithClock overrides the clock used to stamp recorded_at.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) PutClient(_ context.Context, c contracts.ClientProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = copyClient(c)
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, id string) (contracts.ClientProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return contracts.ClientProfile{}, fmt.Errorf("client %s: %w", id, contracts.ErrNotFound)
	}
	return copyClient(c), nil
}

func (m *MemoryStore) ListClients(_ context.Context) ([]contracts.ClientProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ClientProfile, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, copyClient(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Finalize(_ context.Context, e contracts.LogEntry) (contracts.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := finalKey(e.ClientID, e.Kind, e.Date)
	if _, exists := m.final[key]; exists {
		return contracts.LogEntry{}, fmt.Errorf("log entry %s: %w", key, contracts.ErrConflict)
	}
	e.Finalized = true
	e.RecordedAt = m.clock().UTC()
	m.final[key] = e
	return e, nil
}

func (m *MemoryStore) AppendRejected(_ context.Context, e contracts.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Finalized = false
	e.Status = contracts.StatusRejected
	e.RecordedAt = m.clock().UTC()
	m.rejected = append(m.rejected, e)
	return nil
}

func (m *MemoryStore) GetFinal(_ context.Context, clientID string, kind contracts.Kind, date contracts.Date) (contracts.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := finalKey(clientID, kind, date)
	e, ok := m.final[key]
	if !ok {
		return contracts.LogEntry{}, fmt.Errorf("log entry %s: %w", key, contracts.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) ListFinal(_ context.Context, clientID string, from, to contracts.Date, asOf time.Time) ([]contracts.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.LogEntry
	for _, e := range m.final {
		if e.ClientID != clientID || e.Date.Before(from) || e.Date.After(to) || e.RecordedAt.After(asOf) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) ListRejected(_ context.Context, clientID string) ([]contracts.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.LogEntry
	for _, e := range m.rejected {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutWeekly(_ context.Context, r contracts.WeeklyFlagRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wk := r.ClientID + "|" + r.WeekEnding.String()
	if _, exists := m.weeklyKeys[wk]; exists {
		return fmt.Errorf("job card %s: %w", wk, contracts.ErrConflict)
	}
	r.Flags = append([]contracts.Flag(nil), r.Flags...)
	m.weekly[r.ID] = r
	m.weeklyKeys[wk] = r.ID
	return nil
}

func (m *MemoryStore) GetWeekly(_ context.Context, id string) (contracts.WeeklyFlagRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.weekly[id]
	if !ok {
		return contracts.WeeklyFlagRecord{}, fmt.Errorf("job card %s: %w", id, contracts.ErrNotFound)
	}
	r.Flags = append([]contracts.Flag(nil), r.Flags...)
	return r, nil
}

func (m *MemoryStore) ListWeekly(_ context.Context, clientID string) ([]contracts.WeeklyFlagRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.WeeklyFlagRecord
	for _, r := range m.weekly {
		if clientID != "" && r.ClientID != clientID {
			continue
		}
		r.Flags = append([]contracts.Flag(nil), r.Flags...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WeekEnding != out[j].WeekEnding {
			return out[i].WeekEnding.After(out[j].WeekEnding)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out, nil
}

func (m *MemoryStore) SetResolved(_ context.Context, id string, resolved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.weekly[id]
	if !ok {
		return fmt.Errorf("job card %s: %w", id, contracts.ErrNotFound)
	}
	r.Resolved = resolved
	m.weekly[id] = r
	return nil
}

func (m *MemoryStore) GetEscalation(_ context.Context, clientID string) (contracts.EscalationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.escalation[clientID]
	if !ok {
		return contracts.EscalationState{ClientID: clientID}, nil
	}
	return s, nil
}

func (m *MemoryStore) PutEscalation(_ context.Context, s contracts.EscalationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.escalation[s.ClientID]; cur.Version != s.Version {
		return fmt.Errorf("escalation %s at version %d, write based on %d: %w", s.ClientID, cur.Version, s.Version, contracts.ErrConflict)
	}
	s.Version++
	m.escalation[s.ClientID] = s
	return nil
}

func copyClient(c contracts.ClientProfile) contracts.ClientProfile {
	c.TrainingDays = append([]int(nil), c.TrainingDays...)
	if c.Targets != nil {
		targets := make(map[contracts.Kind]int, len(c.Targets))
		for k, v := range c.Targets {
			targets[k] = v
		}
		c.Targets = targets
	}
	return c
}

func sortEntries(es []contracts.LogEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Date != es[j].Date {
			return es[i].Date.Before(es[j].Date)
		}
		return es[i].Kind < es[j].Kind
	})
}
