package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	user_id      TEXT PRIMARY KEY,
	persona      TEXT NOT NULL,
	constraints  TEXT NOT NULL DEFAULT '[]',
	hint_flag    INTEGER NOT NULL DEFAULT 0,
	hint_content TEXT NOT NULL DEFAULT '',
	resistance   INTEGER NOT NULL DEFAULT 0,
	next_seq     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	CHECK (hint_flag = 0 OR hint_content <> '')
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES sessions(user_id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	message    TEXT NOT NULL,
	response   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_user_seq ON turns(user_id, seq);

CREATE TABLE IF NOT EXISTS summaries (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES sessions(user_id) ON DELETE CASCADE,
	text       TEXT NOT NULL,
	turn_ids   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_user ON summaries(user_id);

CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL REFERENCES sessions(user_id) ON DELETE CASCADE,
	turn_id    TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user ON history(user_id, id);
`

// SQLiteStore persists sessions in a local SQLite database.
// Writes are serialized through mu to avoid SQLITE_BUSY under concurrent writers.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func requireSession(ctx context.Context, q queryer, userID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE user_id = ?`, s.now().UnixNano(), userID)
	return err
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID string, profile Profile) (*State, error) {
	constraints, err := json.Marshal(nonNil(profile.Constraints))
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixNano()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (user_id, persona, constraints, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET updated_at = excluded.updated_at`,
			userID, profile.Persona, string(constraints), now, now)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID)
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*State, error) {
	var (
		st          = &State{UserID: userID}
		constraints string
		hintFlag    int
		created     int64
		updated     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT persona, constraints, hint_flag, hint_content, resistance, created_at, updated_at
		FROM sessions WHERE user_id = ?`, userID,
	).Scan(&st.Persona, &constraints, &hintFlag, &st.HintContent, &st.ResistanceCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	if err := json.Unmarshal([]byte(constraints), &st.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints: %w", err)
	}
	st.HintFlag = hintFlag != 0
	st.CreatedAt = time.Unix(0, created)
	st.UpdatedAt = time.Unix(0, updated)

	if st.Buffer, err = s.queryTurns(ctx, userID, -1); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, turn_ids, created_at FROM summaries
		WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sum     Summary
			turnIDs string
			ts      int64
		)
		if err := rows.Scan(&sum.ID, &sum.Text, &turnIDs, &ts); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if err := json.Unmarshal([]byte(turnIDs), &sum.TurnIDs); err != nil {
			return nil, fmt.Errorf("decode summary turn ids: %w", err)
		}
		sum.CreatedAt = time.Unix(0, ts)
		st.Recall = append(st.Recall, sum)
	}
	return st, rows.Err()
}

func (s *SQLiteStore) queryTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, message, response, created_at FROM turns
		WHERE user_id = ? ORDER BY seq LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t := Turn{UserID: userID}
		var ts int64
		if err := rows.Scan(&t.ID, &t.Seq, &t.Message, &t.Response, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Timestamp = time.Unix(0, ts)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) SetHint(ctx context.Context, userID, content string) (bool, error) {
	if content == "" {
		return false, ErrEmptyHint
	}
	var written bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET hint_flag = 1, hint_content = ?, updated_at = ?
			WHERE user_id = ? AND hint_flag = 0`, content, s.now().UnixNano(), userID)
		if err != nil {
			return fmt.Errorf("set hint: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			written = true
			return nil
		}
		return requireSession(ctx, tx, userID)
	})
	return written, err
}

func (s *SQLiteStore) ConsumeHint(ctx context.Context, userID string) (string, bool, error) {
	var (
		hint string
		ok   bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var flag int
		err := tx.QueryRowContext(ctx, `SELECT hint_flag, hint_content FROM sessions WHERE user_id = ?`, userID).Scan(&flag, &hint)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read hint: %w", err)
		}
		if flag == 0 {
			hint = ""
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET hint_flag = 0, hint_content = '', updated_at = ?
			WHERE user_id = ?`, s.now().UnixNano(), userID); err != nil {
			return fmt.Errorf("clear hint: %w", err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return hint, ok, nil
}

func (s *SQLiteStore) IncrementResistance(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE sessions SET resistance = resistance + 1, updated_at = ?
			WHERE user_id = ? RETURNING resistance`, s.now().UnixNano(), userID).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return count, err
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var dup int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE id = ?`, turn.ID).Scan(&dup)
		if err != nil {
			return fmt.Errorf("check turn: %w", err)
		}
		if dup > 0 {
			return ErrDuplicateTurn
		}
		err = tx.QueryRowContext(ctx, `
			UPDATE sessions SET next_seq = next_seq + 1, updated_at = ?
			WHERE user_id = ? RETURNING next_seq`, s.now().UnixNano(), turn.UserID).Scan(&turn.Seq)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("allocate turn sequence: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (id, user_id, seq, message, response, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			turn.ID, turn.UserID, turn.Seq, turn.Message, turn.Response, turn.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return nil
	})
	if err != nil {
		return Turn{}, err
	}
	return turn, nil
}

func (s *SQLiteStore) DeleteTurn(ctx context.Context, userID, turnID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireSession(ctx, tx, userID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE id = ? AND user_id = ?`, turnID, userID)
		if err != nil {
			return fmt.Errorf("delete turn: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTurnNotFound
		}
		return s.touch(ctx, tx, userID)
	})
}

func (s *SQLiteStore) TurnCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM turns t WHERE t.user_id = s.user_id)
		FROM sessions s WHERE s.user_id = ?`, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) OldestTurns(ctx context.Context, userID string, n int) ([]Turn, error) {
	if err := requireSession(ctx, s.db, userID); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Turn{}, nil
	}
	return s.queryTurns(ctx, userID, n)
}

func (s *SQLiteStore) ArchiveSummary(ctx context.Context, userID string, summary Summary) error {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	turnIDs, err := json.Marshal(nonNil(summary.TurnIDs))
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireSession(ctx, tx, userID); err != nil {
			return err
		}
		for _, id := range slices.Compact(slices.Sorted(slices.Values(summary.TurnIDs))) {
			res, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE id = ? AND user_id = ?`, id, userID)
			if err != nil {
				return fmt.Errorf("archive turn %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrTurnNotFound
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (id, user_id, text, turn_ids, created_at) VALUES (?, ?, ?, ?, ?)`,
			summary.ID, userID, summary.Text, string(turnIDs), summary.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		return s.touch(ctx, tx, userID)
	})
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, userID string, entry HistoryEntry, limit int) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireSession(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history (user_id, turn_id, message, created_at) VALUES (?, ?, ?, ?)`,
			userID, entry.TurnID, entry.Message, entry.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if limit <= 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM history WHERE user_id = ? AND id NOT IN (
				SELECT id FROM history WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`, userID, userID, limit)
		if err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RecentHistory(ctx context.Context, userID string, n int) ([]HistoryEntry, error) {
	if err := requireSession(ctx, s.db, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, message, created_at FROM history
		WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, max(n, 0))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e  HistoryEntry
			ts int64
		)
		if err := rows.Scan(&e.TurnID, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// ExpireIdle deletes sessions, with their turns and history, idle for longer than idle.
func (s *SQLiteStore) ExpireIdle(ctx context.Context, idle time.Duration) (int, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, s.now().Add(-idle).UnixNano())
		if err != nil {
			return fmt.Errorf("expire sessions: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
