package pghazards

import (
	"context"
	"time"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const hazardColumns = `id, kind, lat, lng, severity, confirmations, created_at, updated_at, expires_at, status, last_synced_at, version`

const upsertHazardSQL = `
INSERT INTO hazards (` + hazardColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
  kind = EXCLUDED.kind,
  lat = EXCLUDED.lat,
  lng = EXCLUDED.lng,
  severity = EXCLUDED.severity,
  confirmations = EXCLUDED.confirmations,
  created_at = EXCLUDED.created_at,
  updated_at = EXCLUDED.updated_at,
  expires_at = EXCLUDED.expires_at,
  status = EXCLUDED.status,
  last_synced_at = EXCLUDED.last_synced_at,
  version = EXCLUDED.version
`

func hazardArgs(r *models.HazardRecord) []any {
	return []any{
		r.ID, string(r.Kind), r.Coordinate.Lat, r.Coordinate.Lng,
		r.Severity, r.Confirmations,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(), utcPtr(r.ExpiresAt),
		string(r.Status), utcPtr(r.LastSyncedAt), r.Version,
	}
}

func (s *Storage) LoadHazards(ctx context.Context) ([]*models.HazardRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+hazardColumns+` FROM hazards`)
	if err != nil {
		return nil, errors.Wrap(err, "select hazards")
	}
	defer rows.Close()

	var out []*models.HazardRecord
	for rows.Next() {
		r, err := scanHazard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetHazard(ctx context.Context, id string) (*models.HazardRecord, error) {
	r, err := scanHazard(s.db.QueryRow(ctx, `SELECT `+hazardColumns+` FROM hazards WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "id=%s", id)
	}
	return r, err
}

func (s *Storage) SaveHazards(ctx context.Context, recs []*models.HazardRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range recs {
		if _, err := tx.Exec(ctx, upsertHazardSQL, hazardArgs(r)...); err != nil {
			return errors.Wrap(err, "upsert hazard")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// SaveHazardWithOutbox upserts the record and appends the entry in one transaction.
func (s *Storage) SaveHazardWithOutbox(ctx context.Context, rec *models.HazardRecord, entry models.OutboxEntry) error {
	args, err := outboxArgs(entry)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, upsertHazardSQL, hazardArgs(rec)...); err != nil {
		return errors.Wrap(err, "upsert hazard")
	}
	if _, err := tx.Exec(ctx, insertOutboxSQL, args...); err != nil {
		return errors.Wrap(err, "insert outbox")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func scanHazard(row pgx.Row) (*models.HazardRecord, error) {
	var r models.HazardRecord
	var kind, status string
	var expiresAt, lastSyncedAt *time.Time
	if err := row.Scan(
		&r.ID, &kind, &r.Coordinate.Lat, &r.Coordinate.Lng,
		&r.Severity, &r.Confirmations,
		&r.CreatedAt, &r.UpdatedAt, &expiresAt,
		&status, &lastSyncedAt, &r.Version,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan hazard")
	}
	r.Kind = models.Kind(kind)
	r.Status = models.Status(status)
	r.ExpiresAt = expiresAt
	r.LastSyncedAt = lastSyncedAt
	return &r, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
