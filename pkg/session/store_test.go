package session

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func drivers(t *testing.T) map[string]storeFactory {
	t.Helper()
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"instrumented": func(t *testing.T) Store { return Instrument(NewMemoryStore(), "memory") },
	}
	if addr := os.Getenv("COWORKER_TEST_REDIS_ADDR"); addr != "" {
		factories["redis"] = func(t *testing.T) Store {
			client := redis.NewClient(&redis.Options{Addr: addr})
			prefix := "coworker-test-" + strconv.FormatInt(time.Now().UnixNano(), 36)
			s := NewRedisStore(client, prefix, time.Minute)
			require.NoError(t, s.Ping(context.Background()))
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return factories
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var testProfile = Profile{Persona: "mentor", Constraints: []string{"never decide for the user"}}

func appendTurns(t *testing.T, s Store, userID string, n int) []Turn {
	t.Helper()
	turns := make([]Turn, 0, n)
	for i := range n {
		turn, err := s.AppendTurn(context.Background(), Turn{
			ID:       fmt.Sprintf("%s-t%d", userID, i),
			UserID:   userID,
			Message:  fmt.Sprintf("question %d", i),
			Response: fmt.Sprintf("answer %d", i),
		})
		require.NoError(t, err)
		turns = append(turns, turn)
	}
	return turns
}

func turnIDs(turns []Turn) []string {
	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	return ids
}

func TestGetOrCreate(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, "alice")
		assert.ErrorIs(t, err, ErrNotFound)

		st, err := s.GetOrCreate(ctx, "alice", testProfile)
		require.NoError(t, err)
		assert.Equal(t, "alice", st.UserID)
		assert.Equal(t, "mentor", st.Persona)
		assert.Equal(t, testProfile.Constraints, st.Constraints)
		assert.False(t, st.HintFlag)
		assert.Zero(t, st.ResistanceCount)
		assert.Empty(t, st.Buffer)
		assert.Empty(t, st.Recall)

		again, err := s.GetOrCreate(ctx, "alice", Profile{Persona: "other"})
		require.NoError(t, err)
		assert.Equal(t, "mentor", again.Persona)
	})
}

func TestOperationsOnMissingSession(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.SetHint(ctx, "ghost", "hint")
		assert.ErrorIs(t, err, ErrNotFound)
		_, _, err = s.ConsumeHint(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.IncrementResistance(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.AppendTurn(ctx, Turn{ID: "x", UserID: "ghost"})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.TurnCount(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		err = s.AppendHistory(ctx, "ghost", HistoryEntry{TurnID: "x", Message: "m"}, 10)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Get(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestHintLifecycle(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreate(ctx, "bob", testProfile)
		require.NoError(t, err)

		_, err = s.SetHint(ctx, "bob", "")
		assert.ErrorIs(t, err, ErrEmptyHint)

		hint, ok, err := s.ConsumeHint(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, hint)

		written, err := s.SetHint(ctx, "bob", "ask a Socratic question")
		require.NoError(t, err)
		assert.True(t, written)

		written, err = s.SetHint(ctx, "bob", "something else")
		require.NoError(t, err)
		assert.False(t, written, "a pending hint is never overwritten")

		st, err := s.Get(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, st.HintFlag)
		assert.Equal(t, "ask a Socratic question", st.HintContent)

		hint, ok, err = s.ConsumeHint(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "ask a Socratic question", hint)

		_, ok, err = s.ConsumeHint(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, ok)

		st, err = s.Get(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, st.HintFlag)
		assert.Empty(t, st.HintContent)
	})
}

func TestConsumeHintAtMostOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreate(ctx, "carol", testProfile)
		require.NoError(t, err)
		_, err = s.SetHint(ctx, "carol", "slow down")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			delivered atomic.Int32
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.ConsumeHint(ctx, "carol")
				assert.NoError(t, err)
				if ok {
					delivered.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), delivered.Load())
	})
}

func TestIncrementResistanceIsAtomic(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreate(ctx, "dave", testProfile)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementResistance(ctx, "dave")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		st, err := s.Get(ctx, "dave")
		require.NoError(t, err)
		assert.Equal(t, int64(20), st.ResistanceCount)

		n, err := s.IncrementResistance(ctx, "dave")
		require.NoError(t, err)
		assert.Equal(t, int64(21), n)
	})
}

func TestTurnsByIdentity(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreate(ctx, "erin", testProfile)
		require.NoError(t, err)

		turns := appendTurns(t, s, "erin", 3)
		assert.Equal(t, []int64{1, 2, 3}, []int64{turns[0].Seq, turns[1].Seq, turns[2].Seq})

		require.NoError(t, s.DeleteTurn(ctx, "erin", turns[1].ID))
		assert.ErrorIs(t, s.DeleteTurn(ctx, "erin", turns[1].ID), ErrTurnNotFound)

		n, err := s.TurnCount(ctx, "erin")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		next, err := s.AppendTurn(ctx, Turn{ID: "erin-t9", UserID: "erin", Message: "again", Response: "sure"})
		require.NoError(t, err)
		assert.Greater(t, next.Seq, turns[2].Seq, "sequence numbers are never reused")

		st, err := s.Get(ctx, "erin")
		require.NoError(t, err)
		assert.Equal(t, []string{turns[0].ID, turns[2].ID, next.ID}, turnIDs(st.Buffer))
	})
}

func TestAppendTurnRejectsDuplicateID(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreate(ctx, "gina", testProfile)
		require.NoError(t, err)
		turns := appendTurns(t, s, "gina", 2)

		_, err = s.AppendTurn(ctx, Turn{ID: turns[0].ID, UserID: "gina", Message: "replayed", Response: "replayed"})
		assert.ErrorIs(t, err, ErrDuplicateTurn)

		st, err := s.Get(ctx, "gina")
		require.NoError(t, err)
		assert.Equal(t, turnIDs(turns), turnIDs(st.Buffer))
		assert.Equal(t, "question 0", st.Buffer[0].Message)

		next, err := s.AppendTurn(ctx, Turn{ID: "gina-t9", UserID: "gina", Message: "new", Response: "new"})
		require.NoError(t, err)
		assert.Equal(t, turns[1].Seq+1, next.Seq, "a rejected duplicate does not consume a sequence number")
	})
}

func TestArchiveSummary(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreate(ctx, "frank", testProfile)
		require.NoError(t, err)
		turns := appendTurns(t, s, "frank", 6)

		oldest, err := s.OldestTurns(ctx, "frank", 4)
		require.NoError(t, err)
		assert.Equal(t, turnIDs(turns[:4]), turnIDs(oldest))

		err = s.ArchiveSummary(ctx, "frank", Summary{ID: "bad", Text: "x", TurnIDs: []string{turns[0].ID, "missing"}})
		assert.ErrorIs(t, err, ErrTurnNotFound)

		st, err := s.Get(ctx, "frank")
		require.NoError(t, err)
		assert.Len(t, st.Buffer, 6, "failed archive changes nothing")
		assert.Empty(t, st.Recall)

		require.NoError(t, s.ArchiveSummary(ctx, "frank", Summary{ID: "s1", Text: "discussed basics", TurnIDs: turnIDs(oldest)}))

		st, err = s.Get(ctx, "frank")
		require.NoError(t, err)
		assert.Equal(t, turnIDs(turns[4:]), turnIDs(st.Buffer))
		require.Len(t, st.Recall, 1)
		assert.Equal(t, "discussed basics", st.Recall[0].Text)
		assert.Equal(t, turnIDs(oldest), st.Recall[0].TurnIDs)

		more, err := s.OldestTurns(ctx, "frank", 10)
		require.NoError(t, err)
		assert.Len(t, more, 2)
	})
}

func TestHistoryWindow(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreate(ctx, "gina", testProfile)
		require.NoError(t, err)

		for i := range 7 {
			require.NoError(t, s.AppendHistory(ctx, "gina", HistoryEntry{
				TurnID:  fmt.Sprintf("t%d", i),
				Message: fmt.Sprintf("m%d", i),
			}, 5))
		}

		entries, err := s.RecentHistory(ctx, "gina", 10)
		require.NoError(t, err)
		require.Len(t, entries, 5)
		assert.Equal(t, "m2", entries[0].Message)
		assert.Equal(t, "m6", entries[4].Message)

		last, err := s.RecentHistory(ctx, "gina", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "m5", last[0].Message)

		none, err := s.RecentHistory(ctx, "gina", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

// TestHintInvariantUnderRandomOperations drives random interleavings of hint operations
// and checks that a pending hint always has content and a cleared one never does.
func TestHintInvariantUnderRandomOperations(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rng := rand.New(rand.NewSource(42))
		_, err := s.GetOrCreate(ctx, "henry", testProfile)
		require.NoError(t, err)

		pending := ""
		for i := range 200 {
			switch rng.Intn(4) {
			case 0:
				content := fmt.Sprintf("hint-%d", i)
				written, err := s.SetHint(ctx, "henry", content)
				require.NoError(t, err)
				assert.Equal(t, pending == "", written)
				if written {
					pending = content
				}
			case 1:
				_, err := s.SetHint(ctx, "henry", "")
				assert.ErrorIs(t, err, ErrEmptyHint)
			case 2:
				hint, ok, err := s.ConsumeHint(ctx, "henry")
				require.NoError(t, err)
				assert.Equal(t, pending != "", ok)
				assert.Equal(t, pending, hint)
				pending = ""
			case 3:
				_, err := s.IncrementResistance(ctx, "henry")
				require.NoError(t, err)
			}

			st, err := s.Get(ctx, "henry")
			require.NoError(t, err)
			if st.HintFlag {
				require.NotEmpty(t, st.HintContent, "step %d", i)
			} else {
				require.Empty(t, st.HintContent, "step %d", i)
			}
			require.Equal(t, pending != "", st.HintFlag, "step %d", i)
		}
	})
}

func TestExpireIdle(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	now := func() time.Time { return clock }

	mem := NewMemoryStore()
	mem.now = now
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer sq.Close()
	sq.now = now

	for name, s := range map[string]interface {
		Store
		Expirer
	}{"memory": mem, "sqlite": sq} {
		t.Run(name, func(t *testing.T) {
			clock = time.Now()
			_, err := s.GetOrCreate(ctx, "stale", testProfile)
			require.NoError(t, err)
			appendTurns(t, s, "stale", 2)

			clock = clock.Add(2 * time.Hour)
			_, err = s.GetOrCreate(ctx, "fresh", testProfile)
			require.NoError(t, err)

			removed, err := s.ExpireIdle(ctx, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, err = s.Get(ctx, "stale")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(ctx, "fresh")
			assert.NoError(t, err)
		})
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(StoreTypeMemory)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(StoreTypeSQLite, WithSQLitePath(filepath.Join(t.TempDir(), "s.db")), WithInstrumentation())
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(Expirer)
	assert.True(t, ok)

	_, err = NewStore(StoreTypeRedis)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore("etcd")
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestStateCloneIsDeep(t *testing.T) {
	st := &State{
		Constraints: []string{"a"},
		Buffer:      []Turn{{ID: "t1"}},
		Recall:      []Summary{{ID: "s1", TurnIDs: []string{"t0"}}},
	}
	c := st.Clone()
	c.Constraints[0] = "b"
	c.Buffer[0].ID = "t2"
	c.Recall[0].TurnIDs[0] = "x"

	assert.Equal(t, "a", st.Constraints[0])
	assert.Equal(t, "t1", st.Buffer[0].ID)
	assert.Equal(t, "t0", st.Recall[0].TurnIDs[0])
}
