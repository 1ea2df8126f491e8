package regions

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/HazardBox/internal/geo"
	"github.com/BearBump/HazardBox/internal/metrics"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/platform"
	"github.com/BearBump/HazardBox/internal/spatial"
)

const (
	DefaultBudget          = 20
	DefaultBoxSizeMeters   = 2000.0
	DefaultRadiusMeters    = 100.0
	DefaultMinRadiusMeters = 50.0
)

type Candidate struct {
	Hazard         *models.HazardRecord
	DistanceMeters float64
}

// Select returns at most budget active, unexpired hazards from idx inside a
// box of boxSize meters around loc, nearest first, then by severity
// descending, then by id.
func Select(idx *spatial.Index, loc models.Coordinate, budget int, boxSize float64, now time.Time) []Candidate {
	if budget <= 0 || idx == nil {
		return nil
	}
	recs := idx.Query(geo.BoxAround(loc, boxSize))
	cands := make([]Candidate, 0, len(recs))
	for _, r := range recs {
		if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			continue
		}
		cands = append(cands, Candidate{Hazard: r, DistanceMeters: geo.DistanceMeters(loc, r.Coordinate)})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		if a.Hazard.Severity != b.Hazard.Severity {
			return a.Hazard.Severity > b.Hazard.Severity
		}
		return a.Hazard.ID < b.Hazard.ID
	})
	if len(cands) > budget {
		cands = cands[:budget]
	}
	return cands
}

// RegionRadius is min(configured, platformMax) but never below minRadius.
// A non-positive platformMax means the platform sets no cap.
func RegionRadius(configured, platformMax, minRadius float64) float64 {
	r := configured
	if platformMax > 0 {
		r = math.Min(r, platformMax)
	}
	return math.Max(r, minRadius)
}

type Result struct {
	Target  []string `json:"target"`
	Started []string `json:"started,omitempty"`
	Stopped []string `json:"stopped,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// Allocator keeps the platform's monitored regions in line with the top
// candidates around the user. Monitored holds only regions the platform accepted.
type Allocator struct {
	regions platform.Regions
	logger  *slog.Logger
	now     func() time.Time

	budget    int
	boxSize   float64
	radius    float64
	minRadius float64

	mu        sync.Mutex
	monitored map[string]struct{}
}

func New(rm platform.Regions, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		regions:   rm,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		budget:    DefaultBudget,
		boxSize:   DefaultBoxSizeMeters,
		radius:    DefaultRadiusMeters,
		minRadius: DefaultMinRadiusMeters,
		monitored: make(map[string]struct{}),
	}
}

func (a *Allocator) WithSettings(budget int, boxSize, radius, minRadius float64) *Allocator {
	if budget > 0 {
		a.budget = budget
	}
	if boxSize > 0 {
		a.boxSize = boxSize
	}
	if radius > 0 {
		a.radius = radius
	}
	if minRadius > 0 {
		a.minRadius = minRadius
	}
	return a
}

func (a *Allocator) WithClock(now func() time.Time) *Allocator {
	if now != nil {
		a.now = now
	}
	return a
}

// Rebalance diffs the target set for loc against the monitored regions. Stops
// run before starts so the platform never holds more than budget regions.
// Registration failures are logged and retried on the next pass.
func (a *Allocator) Rebalance(ctx context.Context, idx *spatial.Index, loc models.Coordinate) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	cands := Select(idx, loc, a.budget, a.boxSize, a.now())
	target := make(map[string]struct{}, len(cands))
	res := Result{Target: make([]string, 0, len(cands))}
	for _, c := range cands {
		target[c.Hazard.ID] = struct{}{}
		res.Target = append(res.Target, c.Hazard.ID)
	}

	for _, id := range sortedKeys(a.monitored) {
		if _, keep := target[id]; keep {
			continue
		}
		if err := a.regions.StopMonitoring(ctx, id); err != nil {
			a.logger.Warn("stop monitoring region", "region_id", id, "error", err.Error())
		}
		delete(a.monitored, id)
		res.Stopped = append(res.Stopped, id)
	}

	radius := RegionRadius(a.radius, a.regions.MaxRadiusMeters(), a.minRadius)
	for _, c := range cands {
		id := c.Hazard.ID
		if _, ok := a.monitored[id]; ok {
			continue
		}
		err := a.regions.StartMonitoring(ctx, platform.Region{ID: id, Center: c.Hazard.Coordinate, RadiusMeters: radius})
		if err != nil {
			metrics.RegionFailuresTotal.Inc()
			a.logger.Warn("start monitoring region", "region_id", id, "error", err.Error())
			res.Failed = append(res.Failed, id)
			continue
		}
		a.monitored[id] = struct{}{}
		res.Started = append(res.Started, id)
	}

	metrics.MonitoredRegions.Set(float64(len(a.monitored)))
	if len(res.Started) > 0 || len(res.Stopped) > 0 {
		a.logger.Debug("regions rebalanced",
			"monitored", len(a.monitored),
			"started", len(res.Started),
			"stopped", len(res.Stopped),
			"failed", len(res.Failed))
	}
	return res
}

// ReleaseAll stops every monitored region.
func (a *Allocator) ReleaseAll(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range sortedKeys(a.monitored) {
		if err := a.regions.StopMonitoring(ctx, id); err != nil {
			a.logger.Warn("stop monitoring region", "region_id", id, "error", err.Error())
		}
		delete(a.monitored, id)
	}
	metrics.MonitoredRegions.Set(0)
}

// Monitored returns the ids of regions currently registered, sorted.
func (a *Allocator) Monitored() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.monitored)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
