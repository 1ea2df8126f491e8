package pghazards

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS hazards (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  severity INT NOT NULL CHECK (severity BETWEEN 1 AND 5),
  confirmations INT NOT NULL CHECK (confirmations >= 1),
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NULL,
  status TEXT NOT NULL,
  last_synced_at TIMESTAMPTZ NULL,
  version BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS idx_hazards_status ON hazards(status)`,
		`
CREATE TABLE IF NOT EXISTS hazard_outbox (
  seq BIGSERIAL PRIMARY KEY,
  op TEXT NOT NULL,
  hazard_id TEXT NOT NULL,
  payload JSONB NULL,
  enqueued_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS sync_state (
  name TEXT PRIMARY KEY,
  cursor TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
