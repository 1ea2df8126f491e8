package pghazards

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const cursorName = "remote"

const insertOutboxSQL = `INSERT INTO hazard_outbox (op, hazard_id, payload, enqueued_at) VALUES ($1,$2,$3,$4)`

func outboxArgs(e models.OutboxEntry) ([]any, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var payload []byte
	if e.Hazard != nil {
		b, err := json.Marshal(e.Hazard)
		if err != nil {
			return nil, errors.Wrap(err, "marshal outbox payload")
		}
		payload = b
	}
	at := e.EnqueuedAt
	if at.IsZero() {
		at = time.Now()
	}
	return []any{string(e.Op), e.HazardID, payload, at.UTC()}, nil
}

func (s *Storage) EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) error {
	args, err := outboxArgs(entry)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, insertOutboxSQL, args...); err != nil {
		return errors.Wrap(err, "insert outbox")
	}
	return nil
}

// PeekOutbox returns the entry with the lowest seq, or nil when the outbox is empty.
func (s *Storage) PeekOutbox(ctx context.Context) (*models.OutboxEntry, error) {
	var e models.OutboxEntry
	var op string
	var payload []byte
	err := s.db.QueryRow(ctx, `
SELECT seq, op, hazard_id, payload, enqueued_at
FROM hazard_outbox
ORDER BY seq ASC
LIMIT 1
`).Scan(&e.Seq, &op, &e.HazardID, &payload, &e.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select outbox head")
	}
	e.Op = models.OutboxOp(op)
	if len(payload) > 0 {
		var c models.CloudHazard
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, errors.Wrap(err, "decode outbox payload")
		}
		e.Hazard = &c
	}
	return &e, nil
}

// PopOutbox deletes the head entry if its seq matches.
func (s *Storage) PopOutbox(ctx context.Context, seq int64) error {
	tag, err := s.db.Exec(ctx, `
DELETE FROM hazard_outbox
WHERE seq = $1
  AND seq = (SELECT min(seq) FROM hazard_outbox)
`, seq)
	if err != nil {
		return errors.Wrap(err, "delete outbox head")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrOutboxHeadChanged
	}
	return nil
}

func (s *Storage) OutboxLen(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM hazard_outbox`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count outbox")
	}
	return n, nil
}

func (s *Storage) LoadCursor(ctx context.Context) (string, error) {
	var cur string
	err := s.db.QueryRow(ctx, `SELECT cursor FROM sync_state WHERE name = $1`, cursorName).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "select cursor")
	}
	return cur, nil
}

func (s *Storage) SaveCursor(ctx context.Context, cursor string) error {
	var err error
	if cursor == "" {
		_, err = s.db.Exec(ctx, `DELETE FROM sync_state WHERE name = $1`, cursorName)
	} else {
		_, err = s.db.Exec(ctx, `
INSERT INTO sync_state (name, cursor, updated_at)
VALUES ($1,$2,now())
ON CONFLICT (name) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at
`, cursorName, cursor)
	}
	return errors.Wrap(err, "save cursor")
}
