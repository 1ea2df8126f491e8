package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindPothole Kind = "pothole"
	KindGravel  Kind = "gravel"
	KindRail    Kind = "rail"
	KindCrack   Kind = "crack"
	KindDebris  Kind = "debris"
	KindWet     Kind = "wet"
	KindOther   Kind = "other"
)

var AllKinds = []Kind{KindPothole, KindGravel, KindRail, KindCrack, KindDebris, KindWet, KindOther}

// ParseKind normalizes a kind name. Unknown names map to KindOther.
func ParseKind(s string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k
		}
	}
	return KindOther
}

type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

const (
	MinSeverity = 1
	MaxSeverity = 5
)

var (
	ErrNotFound          = errors.New("hazard not found")
	ErrInvalidKind       = errors.New("invalid kind")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrPermissionDenied  = errors.New("location permission denied")
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Bounds is a lat/lng rectangle. MinLng > MaxLng means the box crosses the antimeridian.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// ClampSeverity keeps severity inside [MinSeverity, MaxSeverity].
func ClampSeverity(v int) int {
	if v < MinSeverity {
		return MinSeverity
	}
	if v > MaxSeverity {
		return MaxSeverity
	}
	return v
}

// HazardRecord is the locally owned row of the hazard table.
type HazardRecord struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Coordinate    Coordinate `json:"coordinate"`
	Severity      int        `json:"severity"`
	Confirmations int        `json:"confirmations"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Status        Status     `json:"status"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt,omitempty"`
	Version       int64      `json:"version"`
}

func (r *HazardRecord) IsActive() bool { return r.Status == StatusActive }

// Clone returns a deep copy so snapshots never share pointer fields with the table.
func (r *HazardRecord) Clone() *HazardRecord {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return &c
}

// CloudHazard is the remote authority's view of a record.
type CloudHazard struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	Coordinate      Coordinate `json:"coordinate"`
	Severity        int        `json:"severity"`
	Confirmations   int        `json:"confirmations"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Status          Status     `json:"status"`
	Version         int64      `json:"version"`
	ServerTimestamp time.Time  `json:"serverTimestamp"`
}

// ToCloud builds the upsert payload for a local record. ServerTimestamp is left
// for the remote to assign.
func (r *HazardRecord) ToCloud() CloudHazard {
	c := CloudHazard{
		ID:            r.ID,
		Kind:          r.Kind,
		Coordinate:    r.Coordinate,
		Severity:      r.Severity,
		Confirmations: r.Confirmations,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Status:        r.Status,
		Version:       r.Version,
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

// ToRecord creates a fresh local record from a remote DTO.
func (c CloudHazard) ToRecord(syncedAt time.Time) *HazardRecord {
	r := &HazardRecord{
		ID:            c.ID,
		Kind:          ParseKind(string(c.Kind)),
		Coordinate:    c.Coordinate,
		Severity:      ClampSeverity(c.Severity),
		Confirmations: c.Confirmations,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		Status:        c.Status,
		Version:       c.Version,
		LastSyncedAt:  &syncedAt,
	}
	if r.Confirmations < 1 {
		r.Confirmations = 1
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		r.ExpiresAt = &t
	}
	return r
}
