package session

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	state   *State
	history []HistoryEntry
	seq     int64
}

// MemoryStore keeps sessions in process memory. Returned states are copies.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) entry(userID string) (*memoryEntry, error) {
	if s.sessions == nil {
		return nil, ErrClosed
	}
	e, ok := s.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, userID string, profile Profile) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions == nil {
		return nil, ErrClosed
	}
	now := s.now()
	e, ok := s.sessions[userID]
	if !ok {
		e = &memoryEntry{state: &State{
			UserID:      userID,
			Persona:     profile.Persona,
			Constraints: slices.Clone(profile.Constraints),
			CreatedAt:   now,
		}}
		s.sessions[userID] = e
	}
	e.state.UpdatedAt = now
	return e.state.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entry(userID)
	if err != nil {
		return nil, err
	}
	return e.state.Clone(), nil
}

func (s *MemoryStore) SetHint(ctx context.Context, userID, content string) (bool, error) {
	if content == "" {
		return false, ErrEmptyHint
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(userID)
	if err != nil {
		return false, err
	}
	if e.state.HintFlag {
		return false, nil
	}
	e.state.HintFlag = true
	e.state.HintContent = content
	e.state.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) ConsumeHint(ctx context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(userID)
	if err != nil {
		return "", false, err
	}
	if !e.state.HintFlag {
		return "", false, nil
	}
	hint := e.state.HintContent
	e.state.HintFlag = false
	e.state.HintContent = ""
	e.state.UpdatedAt = s.now()
	return hint, true, nil
}

func (s *MemoryStore) IncrementResistance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(userID)
	if err != nil {
		return 0, err
	}
	e.state.ResistanceCount++
	e.state.UpdatedAt = s.now()
	return e.state.ResistanceCount, nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(turn.UserID)
	if err != nil {
		return Turn{}, err
	}
	if slices.ContainsFunc(e.state.Buffer, func(t Turn) bool { return t.ID == turn.ID }) {
		return Turn{}, ErrDuplicateTurn
	}
	e.seq++
	turn.Seq = e.seq
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	e.state.Buffer = append(e.state.Buffer, turn)
	e.state.UpdatedAt = s.now()
	return turn, nil
}

func (s *MemoryStore) DeleteTurn(ctx context.Context, userID, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(userID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(e.state.Buffer, func(t Turn) bool { return t.ID == turnID })
	if idx < 0 {
		return ErrTurnNotFound
	}
	e.state.Buffer = slices.Delete(e.state.Buffer, idx, idx+1)
	e.state.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) TurnCount(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entry(userID)
	if err != nil {
		return 0, err
	}
	return len(e.state.Buffer), nil
}

func (s *MemoryStore) OldestTurns(ctx context.Context, userID string, n int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entry(userID)
	if err != nil {
		return nil, err
	}
	n = min(max(n, 0), len(e.state.Buffer))
	return slices.Clone(e.state.Buffer[:n]), nil
}

func (s *MemoryStore) ArchiveSummary(ctx context.Context, userID string, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(userID)
	if err != nil {
		return err
	}
	remove := make(map[string]struct{}, len(summary.TurnIDs))
	for _, id := range summary.TurnIDs {
		remove[id] = struct{}{}
	}
	kept := make([]Turn, 0, len(e.state.Buffer))
	for _, t := range e.state.Buffer {
		if _, ok := remove[t.ID]; ok {
			delete(remove, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	if len(remove) > 0 {
		return ErrTurnNotFound
	}

	summary.TurnIDs = slices.Clone(summary.TurnIDs)
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	e.state.Buffer = kept
	e.state.Recall = append(e.state.Recall, summary)
	e.state.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, userID string, entry HistoryEntry, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(userID)
	if err != nil {
		return err
	}
	e.history = append(e.history, entry)
	if limit > 0 && len(e.history) > limit {
		e.history = slices.Clone(e.history[len(e.history)-limit:])
	}
	return nil
}

func (s *MemoryStore) RecentHistory(ctx context.Context, userID string, n int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entry(userID)
	if err != nil {
		return nil, err
	}
	n = min(max(n, 0), len(e.history))
	return slices.Clone(e.history[len(e.history)-n:]), nil
}

// ExpireIdle removes sessions that have not been touched for longer than idle.
func (s *MemoryStore) ExpireIdle(ctx context.Context, idle time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	removed := 0
	for id, e := range s.sessions {
		if e.state.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessions == nil {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = nil
	return nil
}
