package session

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrTurnNotFound     = errors.New("turn not found")
	ErrDuplicateTurn    = errors.New("turn already recorded")
	ErrEmptyHint        = errors.New("hint content must not be empty")
	ErrInvalidConfig    = errors.New("invalid session store configuration")
	ErrInvalidStoreType = errors.New("invalid session store type")
	ErrClosed           = errors.New("session store closed")
)

// Profile seeds a session on first contact.
type Profile struct {
	Persona     string
	Constraints []string
}

// Turn is one completed exchange. It is immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Seq       int64     `json:"seq"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is the condensed form of archived turns.
type Summary struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	TurnIDs   []string  `json:"turn_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryEntry is one user message in the supervisor's analysis window.
type HistoryEntry struct {
	TurnID    string    `json:"turn_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a snapshot of a user's session.
type State struct {
	UserID          string    `json:"user_id"`
	Persona         string    `json:"persona"`
	Constraints     []string  `json:"constraints"`
	HintFlag        bool      `json:"hint_flag"`
	HintContent     string    `json:"hint_content,omitempty"`
	ResistanceCount int64     `json:"resistance_count"`
	Buffer          []Turn    `json:"buffer"`
	Recall          []Summary `json:"recall"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Constraints = slices.Clone(s.Constraints)
	out.Buffer = slices.Clone(s.Buffer)
	out.Recall = make([]Summary, len(s.Recall))
	for i, sum := range s.Recall {
		sum.TurnIDs = slices.Clone(sum.TurnIDs)
		out.Recall[i] = sum
	}
	return &out
}
