package hazards

import (
	"context"
	"time"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/pkg/errors"
)

type ApplyResult struct {
	Applied   int `json:"applied"`
	Discarded int `json:"discarded"`
	Invalid   int `json:"invalid"`
}

// ApplyRemote folds authoritative remote copies into the table using
// last-write-wins with skew tolerance. A remote copy loses only when the
// local record was updated more than skew after the remote's serverTimestamp.
func (s *Service) ApplyRemote(ctx context.Context, items ...models.CloudHazard) (ApplyResult, error) {
	var res ApplyResult
	if len(items) == 0 {
		return res, nil
	}

	s.mu.Lock()
	now := s.now()
	pending := make(map[string]*models.HazardRecord, len(items))
	order := make([]string, 0, len(items))
	for _, remote := range items {
		if remote.ID == "" || !remote.Coordinate.Valid() {
			res.Invalid++
			s.logger.Warn("remote hazard rejected", "hazard_id", remote.ID)
			continue
		}
		local, ok := pending[remote.ID]
		if !ok {
			local = s.recs[remote.ID]
		}
		merged, applied := reconcile(local, remote, now, s.skew)
		if !applied {
			res.Discarded++
			s.logger.Debug("remote update discarded",
				"hazard_id", remote.ID,
				"local_status", local.Status,
				"remote_status", remote.Status,
				"local_updated_at", local.UpdatedAt,
				"server_timestamp", remote.ServerTimestamp)
			continue
		}
		if _, seen := pending[remote.ID]; !seen {
			order = append(order, remote.ID)
		}
		pending[remote.ID] = merged
		res.Applied++
	}

	if len(pending) == 0 {
		s.mu.Unlock()
		return res, nil
	}
	batch := make([]*models.HazardRecord, 0, len(order))
	for _, id := range order {
		batch = append(batch, pending[id])
	}
	if err := s.repo.SaveHazards(ctx, batch); err != nil {
		s.mu.Unlock()
		return ApplyResult{}, errors.Wrap(err, "save remote hazards")
	}
	for _, r := range batch {
		s.recs[r.ID] = r
	}
	s.publishLocked()
	s.mu.Unlock()

	s.notify()
	return res, nil
}

// reconcile returns the record to store and whether remote won. local may be nil.
// Resolved and expired are terminal: a remote copy never makes them active again.
// A remote active copy already past its expiresAt is stored as expired.
func reconcile(local *models.HazardRecord, remote models.CloudHazard, now time.Time, skew time.Duration) (*models.HazardRecord, bool) {
	if local != nil && !local.IsActive() && remote.Status != models.StatusResolved && remote.Status != models.StatusExpired {
		return nil, false
	}
	if local != nil && local.UpdatedAt.After(remote.ServerTimestamp.Add(skew)) {
		return nil, false
	}
	merged := remote.ToRecord(now)
	if merged.IsActive() && merged.ExpiresAt != nil && !now.Before(*merged.ExpiresAt) {
		merged.Status = models.StatusExpired
	}
	if local == nil {
		return merged, true
	}
	if local.Confirmations > merged.Confirmations {
		merged.Confirmations = local.Confirmations
	}
	merged.Version = local.Version
	if remote.Version > merged.Version {
		merged.Version = remote.Version
	}
	merged.Version++
	return merged, true
}
