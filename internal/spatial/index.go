// Package spatial holds the read-only index over active hazard records.
//
// An Index is built once and never mutated, so it can be shared with any number
// of readers. The working set is small (hazards within a few kilometers of the
// user), so lookups are exact linear scans.
package spatial

import (
	"sort"

	"github.com/BearBump/HazardBox/internal/geo"
	"github.com/BearBump/HazardBox/internal/models"
)

type Index struct {
	items []*models.HazardRecord
	byID  map[string]*models.HazardRecord
}

// Build copies the active records of recs into a new Index. Inactive records are skipped.
func Build(recs []*models.HazardRecord) *Index {
	idx := &Index{byID: make(map[string]*models.HazardRecord, len(recs))}
	for _, r := range recs {
		if r == nil || !r.IsActive() {
			continue
		}
		c := r.Clone()
		idx.items = append(idx.items, c)
		idx.byID[c.ID] = c
	}
	sort.Slice(idx.items, func(i, j int) bool { return idx.items[i].ID < idx.items[j].ID })
	return idx
}

// Empty returns an index with no records.
func Empty() *Index { return Build(nil) }

func (x *Index) Len() int { return len(x.items) }

// Get returns the indexed record for id. The record must not be modified.
func (x *Index) Get(id string) (*models.HazardRecord, bool) {
	r, ok := x.byID[id]
	return r, ok
}

// Query returns copies of the records inside b, ordered by id.
func (x *Index) Query(b models.Bounds) []*models.HazardRecord {
	var out []*models.HazardRecord
	for _, r := range x.items {
		if geo.Contains(b, r.Coordinate) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// QueryIDs is Query without the copies.
func (x *Index) QueryIDs(b models.Bounds) []string {
	var out []string
	for _, r := range x.items {
		if geo.Contains(b, r.Coordinate) {
			out = append(out, r.ID)
		}
	}
	return out
}

// FindNearest returns the id of the closest record of the given kind no further
// than withinMeters from c. Equal distances resolve to the lexicographically
// smaller id.
func (x *Index) FindNearest(kind models.Kind, c models.Coordinate, withinMeters float64) (string, bool) {
	bestID := ""
	best := withinMeters
	found := false
	for _, r := range x.items {
		if r.Kind != kind {
			continue
		}
		d := geo.DistanceMeters(c, r.Coordinate)
		if d > withinMeters {
			continue
		}
		if !found || d < best {
			bestID, best, found = r.ID, d, true
		}
	}
	return bestID, found
}
