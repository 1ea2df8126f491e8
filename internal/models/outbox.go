package models

import (
	"time"

	"github.com/pkg/errors"
)

// ErrOutboxHeadChanged is returned when popping an entry that is no longer the head.
var ErrOutboxHeadChanged = errors.New("outbox head changed")

type OutboxOp string

const (
	OutboxUpsert  OutboxOp = "upsert"
	OutboxResolve OutboxOp = "resolve"
)

// OutboxEntry is one pending remote operation. Hazard is set for upserts,
// HazardID for both kinds.
type OutboxEntry struct {
	Seq        int64        `json:"seq,omitempty"`
	Op         OutboxOp     `json:"op"`
	HazardID   string       `json:"hazardId"`
	Hazard     *CloudHazard `json:"hazard,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

func NewUpsertEntry(r *HazardRecord, now time.Time) OutboxEntry {
	c := r.ToCloud()
	return OutboxEntry{Op: OutboxUpsert, HazardID: r.ID, Hazard: &c, EnqueuedAt: now}
}

func NewResolveEntry(id string, now time.Time) OutboxEntry {
	return OutboxEntry{Op: OutboxResolve, HazardID: id, EnqueuedAt: now}
}

func (e OutboxEntry) Validate() error {
	switch e.Op {
	case OutboxUpsert:
		if e.Hazard == nil {
			return errors.Wrap(ErrInvalidKind, "upsert entry without hazard")
		}
	case OutboxResolve:
		if e.HazardID == "" {
			return errors.Wrap(ErrInvalidKind, "resolve entry without id")
		}
	default:
		return errors.Wrapf(ErrInvalidKind, "outbox op %q", e.Op)
	}
	return nil
}
