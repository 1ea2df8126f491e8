// Package redisstore persists the hazard table, the outbox and the sync cursor
// in Redis.
//
// Layout (all keys share the configured prefix):
//
//	<prefix>:hazards        HASH  id -> HazardRecord JSON
//	<prefix>:outbox         LIST  OutboxEntry JSON, head at index 0
//	<prefix>:outbox:seq     STRING counter used for entry sequence numbers
//	<prefix>:sync:cursor    STRING last remote cursor
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "hazardbox"

type Store struct {
	c      *redis.Client
	prefix string
}

func New(addr string, db int, prefix string) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr, DB: db}), prefix)
}

func NewWithClient(c *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{c: c, prefix: prefix}
}

func (s *Store) Client() *redis.Client { return s.c }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.c.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

func (s *Store) Close() error { return s.c.Close() }

func (s *Store) hazardsKey() string   { return s.prefix + ":hazards" }
func (s *Store) outboxKey() string    { return s.prefix + ":outbox" }
func (s *Store) outboxSeqKey() string { return s.prefix + ":outbox:seq" }
func (s *Store) cursorKey() string    { return s.prefix + ":sync:cursor" }

func (s *Store) LoadHazards(ctx context.Context) ([]*models.HazardRecord, error) {
	m, err := s.c.HGetAll(ctx, s.hazardsKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis hgetall")
	}
	out := make([]*models.HazardRecord, 0, len(m))
	for id, raw := range m {
		var r models.HazardRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, errors.Wrapf(err, "decode hazard %s", id)
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) GetHazard(ctx context.Context, id string) (*models.HazardRecord, error) {
	raw, err := s.c.HGet(ctx, s.hazardsKey(), id).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(models.ErrNotFound, "id=%s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis hget")
	}
	var r models.HazardRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrapf(err, "decode hazard %s", id)
	}
	return &r, nil
}

func (s *Store) SaveHazards(ctx context.Context, recs []*models.HazardRecord) error {
	if len(recs) == 0 {
		return nil
	}
	values := make([]any, 0, len(recs)*2)
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "marshal hazard")
		}
		values = append(values, r.ID, b)
	}
	if err := s.c.HSet(ctx, s.hazardsKey(), values...).Err(); err != nil {
		return errors.Wrap(err, "redis hset")
	}
	return nil
}

// SaveHazardWithOutbox writes the record and appends the entry in one MULTI/EXEC.
func (s *Store) SaveHazardWithOutbox(ctx context.Context, rec *models.HazardRecord, entry models.OutboxEntry) error {
	hb, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal hazard")
	}
	eb, err := s.encodeEntry(ctx, entry)
	if err != nil {
		return err
	}
	pipe := s.c.TxPipeline()
	pipe.HSet(ctx, s.hazardsKey(), rec.ID, hb)
	pipe.RPush(ctx, s.outboxKey(), eb)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis save with outbox")
	}
	return nil
}

func (s *Store) EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) error {
	eb, err := s.encodeEntry(ctx, entry)
	if err != nil {
		return err
	}
	if err := s.c.RPush(ctx, s.outboxKey(), eb).Err(); err != nil {
		return errors.Wrap(err, "redis rpush")
	}
	return nil
}

func (s *Store) encodeEntry(ctx context.Context, entry models.OutboxEntry) ([]byte, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	seq, err := s.c.Incr(ctx, s.outboxSeqKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis incr outbox seq")
	}
	entry.Seq = seq
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.Wrap(err, "marshal outbox entry")
	}
	return b, nil
}

// PeekOutbox returns the head entry, or nil when the outbox is empty.
func (s *Store) PeekOutbox(ctx context.Context) (*models.OutboxEntry, error) {
	raw, err := s.c.LIndex(ctx, s.outboxKey(), 0).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis lindex")
	}
	var e models.OutboxEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "decode outbox entry")
	}
	return &e, nil
}

// PopOutbox removes the head if its sequence number is seq.
func (s *Store) PopOutbox(ctx context.Context, seq int64) error {
	key := s.outboxKey()
	err := s.c.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LIndex(ctx, key, 0).Bytes()
		if err == redis.Nil {
			return models.ErrOutboxHeadChanged
		}
		if err != nil {
			return errors.Wrap(err, "redis lindex")
		}
		var head models.OutboxEntry
		if err := json.Unmarshal(raw, &head); err != nil {
			return errors.Wrap(err, "decode outbox entry")
		}
		if head.Seq != seq {
			return models.ErrOutboxHeadChanged
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPop(ctx, key)
			return nil
		})
		return err
	}, key)
	if err == models.ErrOutboxHeadChanged {
		return err
	}
	if err != nil {
		return errors.Wrap(err, "redis pop outbox")
	}
	return nil
}

func (s *Store) OutboxLen(ctx context.Context) (int64, error) {
	n, err := s.c.LLen(ctx, s.outboxKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis llen")
	}
	return n, nil
}

// LoadCursor returns "" when no cursor was stored yet.
func (s *Store) LoadCursor(ctx context.Context) (string, error) {
	v, err := s.c.Get(ctx, s.cursorKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "redis get cursor")
	}
	return v, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor string) error {
	var err error
	if cursor == "" {
		err = s.c.Del(ctx, s.cursorKey()).Err()
	} else {
		err = s.c.Set(ctx, s.cursorKey(), cursor, 0).Err()
	}
	if err != nil {
		return errors.Wrap(err, "redis set cursor")
	}
	return nil
}
