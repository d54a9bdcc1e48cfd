package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each chat's log in a Redis Stream, with entry IDs minted
// from a per-chat counter so offsets stay dense and comparable across
// backends. Keys expire after the retention window; any append refreshes it.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention}
}

func streamKey(chatID string) string  { return "chat:" + chatID + ":events" }
func counterKey(chatID string) string { return "chat:" + chatID + ":latest" }

// appendScript allocates the next offset and writes the entry atomically.
// ARGV: expected (-1 = unconditional), payload, ttl seconds.
var appendScript = redis.NewScript(`
local latest = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) >= 0 and tonumber(ARGV[1]) ~= latest then
  return redis.error_reply('STALE_OFFSET')
end
local next = latest + 1
redis.call('SET', KEYS[1], next, 'EX', tonumber(ARGV[3]))
redis.call('XADD', KEYS[2], next .. '-0', 'data', ARGV[2])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[3]))
return next
`)

func (s *RedisStore) Append(ctx context.Context, chatID string, ev *Event) (uint64, error) {
	return s.append(ctx, chatID, -1, ev)
}

func (s *RedisStore) AppendIfLatest(ctx context.Context, chatID string, expected uint64, ev *Event) (uint64, error) {
	return s.append(ctx, chatID, int64(expected), ev)
}

func (s *RedisStore) append(ctx context.Context, chatID string, expected int64, ev *Event) (uint64, error) {
	ev.ChatID = chatID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	ttl := int(s.retention / time.Second)
	res, err := appendScript.Run(ctx, s.client,
		[]string{counterKey(chatID), streamKey(chatID)},
		expected, string(payload), ttl,
	).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "STALE_OFFSET") {
			return 0, ErrWriteConflict
		}
		return 0, err
	}
	ev.Offset = uint64(res)
	return uint64(res), nil
}

func (s *RedisStore) Read(ctx context.Context, chatID string, after uint64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 256
	}
	start := fmt.Sprintf("%d-0", after+1)
	entries, err := s.client.XRangeN(ctx, streamKey(chatID), start, "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}

	evs := make([]Event, 0, len(entries))
	for _, entry := range entries {
		raw, _ := entry.Values["data"].(string)
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("eventlog: corrupt entry %s: %w", entry.ID, err)
		}
		// entry ID is authoritative for the offset
		if idx := strings.IndexByte(entry.ID, '-'); idx > 0 {
			if off, err := strconv.ParseUint(entry.ID[:idx], 10, 64); err == nil {
				ev.Offset = off
			}
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

// PurgeChat drops one chat's entire log.
func (s *RedisStore) PurgeChat(ctx context.Context, chatID string) error {
	return s.client.Del(ctx, streamKey(chatID), counterKey(chatID)).Err()
}

// StaleCycles scans every chat's newest entry for an open cycle with no
// event since cutoff. The scan walks all stream keys; acceptable because
// retention keeps the key space bounded to recently active chats.
func (s *RedisStore) StaleCycles(ctx context.Context, cutoff time.Time) ([]CycleRef, error) {
	var refs []CycleRef
	iter := s.client.Scan(ctx, 0, "chat:*:events", 512).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		chatID := strings.TrimSuffix(strings.TrimPrefix(key, "chat:"), ":events")

		entries, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil || len(entries) == 0 {
			continue
		}

		raw, _ := entries[0].Values["data"].(string)
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if ev.Kind.Terminal() || !ev.CreatedAt.Before(cutoff) {
			continue
		}

		latest, err := s.LatestOffset(ctx, chatID)
		if err != nil {
			continue
		}
		refs = append(refs, CycleRef{
			ChatID:       chatID,
			JobID:        ev.JobID,
			MessageID:    ev.MessageID,
			LatestOffset: latest,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *RedisStore) LatestOffset(ctx context.Context, chatID string) (uint64, error) {
	v, err := s.client.Get(ctx, counterKey(chatID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}
