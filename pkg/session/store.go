package session

import (
	"context"
	"time"
)

// Store is the durable key-value view of all sessions.
// Every method is safe for concurrent use; the hint and counter operations are atomic
// with respect to each other across processes sharing the same backend.
type Store interface {
	// GetOrCreate returns the session for userID, creating it from profile if absent.
	GetOrCreate(ctx context.Context, userID string, profile Profile) (*State, error)
	// Get returns the session for userID or ErrNotFound.
	Get(ctx context.Context, userID string) (*State, error)

	// SetHint stores content as the pending hint unless one is already pending.
	// It reports whether the hint was written.
	SetHint(ctx context.Context, userID, content string) (bool, error)
	// ConsumeHint returns and clears the pending hint.
	ConsumeHint(ctx context.Context, userID string) (string, bool, error)
	// IncrementResistance adds one to the resistance counter and returns the new value.
	IncrementResistance(ctx context.Context, userID string) (int64, error)

	// AppendTurn adds turn to the end of the buffer and assigns its sequence number.
	// A turn ID already in the buffer yields ErrDuplicateTurn.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	// DeleteTurn removes the turn with the given ID or returns ErrTurnNotFound.
	DeleteTurn(ctx context.Context, userID, turnID string) error
	// TurnCount returns the buffer length.
	TurnCount(ctx context.Context, userID string) (int, error)
	// OldestTurns returns up to n turns from the front of the buffer.
	OldestTurns(ctx context.Context, userID string, n int) ([]Turn, error)
	// ArchiveSummary appends summary to the recall list and removes summary.TurnIDs from the buffer.
	ArchiveSummary(ctx context.Context, userID string, summary Summary) error

	// AppendHistory records a message in the analysis window, keeping the newest limit entries.
	AppendHistory(ctx context.Context, userID string, entry HistoryEntry, limit int) error
	// RecentHistory returns up to n of the newest entries, oldest first.
	RecentHistory(ctx context.Context, userID string, n int) ([]HistoryEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Expirer is implemented by drivers that need an explicit idle sweep.
type Expirer interface {
	ExpireIdle(ctx context.Context, idle time.Duration) (int, error)
}
