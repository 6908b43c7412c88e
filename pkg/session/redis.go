package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// Keys for one user share a hash tag so that multi-key scripts and transactions stay on one slot.
//
//	<prefix>:{<user>}:state     hash   persona, constraints, hint_flag, hint_content, resistance, seq, created_at, updated_at
//	<prefix>:{<user>}:turns     list   turn IDs, oldest first
//	<prefix>:{<user>}:turndata  hash   turn ID -> JSON turn
//	<prefix>:{<user>}:recall    list   JSON summaries, oldest first
//	<prefix>:{<user>}:history   list   JSON history entries, oldest first
type redisKeys struct {
	state, turns, turnData, recall, history string
}

func (k redisKeys) all() []string {
	return []string{k.state, k.turns, k.turnData, k.recall, k.history}
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1],
		'persona', ARGV[1], 'constraints', ARGV[2],
		'hint_flag', '0', 'hint_content', '',
		'resistance', '0', 'seq', '0',
		'created_at', ARGV[3], 'updated_at', ARGV[3])
else
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
end
for i = 1, #KEYS do
	redis.call('PEXPIRE', KEYS[i], ARGV[4])
end
return 1
`)

// Returns -1 when the session is missing, 0 when a hint is already pending, 1 when written.
var setHintScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'hint_flag') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'hint_flag', '1', 'hint_content', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// Returns {status, content}: status -1 missing session, 0 no hint, 1 consumed.
var consumeHintScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, ''} end
if redis.call('HGET', KEYS[1], 'hint_flag') ~= '1' then return {0, ''} end
local content = redis.call('HGET', KEYS[1], 'hint_content')
redis.call('HSET', KEYS[1], 'hint_flag', '0', 'hint_content', '', 'updated_at', ARGV[1])
return {1, content}
`)

var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return redis.call('HINCRBY', KEYS[1], 'resistance', 1)
`)

// RedisStore shares sessions between processes. Every key carries the idle TTL,
// refreshed on each write, so idle sessions expire without a sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a new Redis-based session store.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "coworker"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) keys(userID string) redisKeys {
	base := s.prefix + ":{" + userID + "}:"
	return redisKeys{
		state:    base + "state",
		turns:    base + "turns",
		turnData: base + "turndata",
		recall:   base + "recall",
		history:  base + "history",
	}
}

func (s *RedisStore) stamp() string {
	return strconv.FormatInt(s.now().UnixNano(), 10)
}

func (s *RedisStore) expireAll(ctx context.Context, pipe redis.Pipeliner, k redisKeys) {
	for _, key := range k.all() {
		pipe.PExpire(ctx, key, s.ttl)
	}
}

// watch runs fn in an optimistic transaction, retrying when a watched key changes.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction: %w", redis.TxFailedErr)
}

func (s *RedisStore) GetOrCreate(ctx context.Context, userID string, profile Profile) (*State, error) {
	constraints, err := json.Marshal(nonNil(profile.Constraints))
	if err != nil {
		return nil, err
	}
	k := s.keys(userID)
	if err := createScript.Run(ctx, s.client, k.all(), profile.Persona, string(constraints), s.stamp(), s.ttl.Milliseconds()).Err(); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.Get(ctx, userID)
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*State, error) {
	k := s.keys(userID)

	var (
		stateCmd    *redis.MapStringStringCmd
		turnsCmd    *redis.StringSliceCmd
		turnDataCmd *redis.MapStringStringCmd
		recallCmd   *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		stateCmd = pipe.HGetAll(ctx, k.state)
		turnsCmd = pipe.LRange(ctx, k.turns, 0, -1)
		turnDataCmd = pipe.HGetAll(ctx, k.turnData)
		recallCmd = pipe.LRange(ctx, k.recall, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	fields := stateCmd.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	st, err := decodeState(userID, fields)
	if err != nil {
		return nil, err
	}

	data := turnDataCmd.Val()
	for _, id := range turnsCmd.Val() {
		raw, ok := data[id]
		if !ok {
			continue
		}
		var t Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode turn %s: %w", id, err)
		}
		st.Buffer = append(st.Buffer, t)
	}
	for _, raw := range recallCmd.Val() {
		var sum Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		st.Recall = append(st.Recall, sum)
	}
	return st, nil
}

func decodeState(userID string, fields map[string]string) (*State, error) {
	st := &State{
		UserID:      userID,
		Persona:     fields["persona"],
		HintFlag:    fields["hint_flag"] == "1",
		HintContent: fields["hint_content"],
	}
	if raw := fields["constraints"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints: %w", err)
		}
	}
	st.ResistanceCount, _ = strconv.ParseInt(fields["resistance"], 10, 64)
	if n, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		st.CreatedAt = time.Unix(0, n)
	}
	if n, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		st.UpdatedAt = time.Unix(0, n)
	}
	return st, nil
}

func (s *RedisStore) SetHint(ctx context.Context, userID, content string) (bool, error) {
	if content == "" {
		return false, ErrEmptyHint
	}
	res, err := setHintScript.Run(ctx, s.client, []string{s.keys(userID).state}, content, s.stamp()).Int64()
	if err != nil {
		return false, fmt.Errorf("set hint: %w", err)
	}
	switch res {
	case -1:
		return false, ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *RedisStore) ConsumeHint(ctx context.Context, userID string) (string, bool, error) {
	res, err := consumeHintScript.Run(ctx, s.client, []string{s.keys(userID).state}, s.stamp()).Slice()
	if err != nil {
		return "", false, fmt.Errorf("consume hint: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("consume hint: unexpected reply %v", res)
	}
	status, _ := res[0].(int64)
	content, _ := res[1].(string)
	switch status {
	case -1:
		return "", false, ErrNotFound
	case 0:
		return "", false, nil
	default:
		return content, true, nil
	}
}

func (s *RedisStore) IncrementResistance(ctx context.Context, userID string) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.keys(userID).state}, s.stamp()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment resistance: %w", err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	k := s.keys(turn.UserID)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		seqStr, err := tx.HGet(ctx, k.state, "seq").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		dup, err := tx.HExists(ctx, k.turnData, turn.ID).Result()
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateTurn
		}
		seq, _ := strconv.ParseInt(seqStr, 10, 64)
		turn.Seq = seq + 1

		payload, err := json.Marshal(turn)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k.state, "seq", turn.Seq, "updated_at", s.stamp())
			pipe.RPush(ctx, k.turns, turn.ID)
			pipe.HSet(ctx, k.turnData, turn.ID, payload)
			s.expireAll(ctx, pipe, k)
			return nil
		})
		return err
	}, k.state, k.turnData)
	if err != nil {
		return Turn{}, err
	}
	return turn, nil
}

func (s *RedisStore) DeleteTurn(ctx context.Context, userID, turnID string) error {
	k := s.keys(userID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, k.state).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		found, err := tx.HExists(ctx, k.turnData, turnID).Result()
		if err != nil {
			return err
		}
		if !found {
			return ErrTurnNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, k.turns, 1, turnID)
			pipe.HDel(ctx, k.turnData, turnID)
			pipe.HSet(ctx, k.state, "updated_at", s.stamp())
			return nil
		})
		return err
	}, k.state, k.turnData)
}

func (s *RedisStore) TurnCount(ctx context.Context, userID string) (int, error) {
	k := s.keys(userID)
	var (
		exists *redis.IntCmd
		length *redis.IntCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, k.state)
		length = pipe.LLen(ctx, k.turns)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	if exists.Val() == 0 {
		return 0, ErrNotFound
	}
	return int(length.Val()), nil
}

func (s *RedisStore) OldestTurns(ctx context.Context, userID string, n int) ([]Turn, error) {
	k := s.keys(userID)
	exists, err := s.client.Exists(ctx, k.state).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	if n <= 0 {
		return []Turn{}, nil
	}
	ids, err := s.client.LRange(ctx, k.turns, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read turn ids: %w", err)
	}
	if len(ids) == 0 {
		return []Turn{}, nil
	}
	raws, err := s.client.HMGet(ctx, k.turnData, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	turns := make([]Turn, 0, len(raws))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("turn %s: %w", ids[i], ErrTurnNotFound)
		}
		var t Turn
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("decode turn %s: %w", ids[i], err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) ArchiveSummary(ctx context.Context, userID string, summary Summary) error {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	k := s.keys(userID)

	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, k.state).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		if len(summary.TurnIDs) > 0 {
			present, err := tx.HMGet(ctx, k.turnData, summary.TurnIDs...).Result()
			if err != nil {
				return err
			}
			for _, v := range present {
				if v == nil {
					return ErrTurnNotFound
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, k.recall, payload)
			for _, id := range summary.TurnIDs {
				pipe.LRem(ctx, k.turns, 1, id)
			}
			if len(summary.TurnIDs) > 0 {
				pipe.HDel(ctx, k.turnData, summary.TurnIDs...)
			}
			pipe.HSet(ctx, k.state, "updated_at", s.stamp())
			s.expireAll(ctx, pipe, k)
			return nil
		})
		return err
	}, k.state, k.turns, k.turnData)
}

func (s *RedisStore) AppendHistory(ctx context.Context, userID string, entry HistoryEntry, limit int) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	k := s.keys(userID)

	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, k.state).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, k.history, payload)
			if limit > 0 {
				pipe.LTrim(ctx, k.history, int64(-limit), -1)
			}
			pipe.PExpire(ctx, k.history, s.ttl)
			return nil
		})
		return err
	}, k.state)
}

func (s *RedisStore) RecentHistory(ctx context.Context, userID string, n int) ([]HistoryEntry, error) {
	k := s.keys(userID)
	var (
		exists *redis.IntCmd
		items  *redis.StringSliceCmd
	)
	if n <= 0 {
		n = 0
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, k.state)
		items = pipe.LRange(ctx, k.history, int64(-n), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if exists.Val() == 0 {
		return nil, ErrNotFound
	}
	entries := []HistoryEntry{}
	if n == 0 {
		return entries, nil
	}
	for _, raw := range items.Val() {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
