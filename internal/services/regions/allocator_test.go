package regions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/platform/sim"
	"github.com/BearBump/HazardBox/internal/spatial"
	"github.com/stretchr/testify/require"
)

var user = models.Coordinate{Lat: 49.2800, Lng: -123.1200}

func hazard(id string, lat, lng float64, severity int) *models.HazardRecord {
	now := time.Now().UTC()
	return &models.HazardRecord{
		ID:            id,
		Kind:          models.KindPothole,
		Coordinate:    models.Coordinate{Lat: lat, Lng: lng},
		Severity:      severity,
		Confirmations: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        models.StatusActive,
		Version:       1,
	}
}

// ring returns n hazards north of the user, each ~33 m further than the last.
func ring(n int) []*models.HazardRecord {
	out := make([]*models.HazardRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, hazard(fmt.Sprintf("h%02d", i), user.Lat+0.0003*float64(i+1), user.Lng, 1+i%5))
	}
	return out
}

func TestSelect_BudgetNearestFirst(t *testing.T) {
	idx := spatial.Build(ring(25))

	got := Select(idx, user, 20, 2000, time.Now())
	require.Len(t, got, 20)
	for i, c := range got {
		require.Equal(t, fmt.Sprintf("h%02d", i), c.Hazard.ID)
		if i > 0 {
			require.GreaterOrEqual(t, c.DistanceMeters, got[i-1].DistanceMeters)
		}
	}
}

func TestSelect_TieBreaksBySeverityThenID(t *testing.T) {
	// symmetric offsets around the origin give bit-identical distances
	origin := models.Coordinate{}
	idx := spatial.Build([]*models.HazardRecord{
		hazard("west", 0, -0.001, 2),
		hazard("east", 0, 0.001, 5),
		hazard("b", -0.002, 0, 3),
		hazard("a", 0.002, 0, 3),
	})

	got := Select(idx, origin, 20, 2000, time.Now())
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.Hazard.ID)
	}
	require.Equal(t, []string{"east", "west", "a", "b"}, ids)
}

func TestSelect_SkipsOutsideBoxAndExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	expired := hazard("old", user.Lat+0.0001, user.Lng, 5)
	expired.ExpiresAt = &past
	resolved := hazard("done", user.Lat+0.0002, user.Lng, 5)
	resolved.Status = models.StatusResolved

	idx := spatial.Build([]*models.HazardRecord{
		hazard("near", user.Lat+0.001, user.Lng, 1),
		hazard("far", user.Lat+0.05, user.Lng, 5),
		expired,
		resolved,
	})

	got := Select(idx, user, 20, 2000, now)
	require.Len(t, got, 1)
	require.Equal(t, "near", got[0].Hazard.ID)
	require.Empty(t, Select(idx, user, 0, 2000, now))
}

func TestRegionRadius(t *testing.T) {
	require.Equal(t, 100.0, RegionRadius(100, 200, 50))
	require.Equal(t, 80.0, RegionRadius(100, 80, 50))
	require.Equal(t, 50.0, RegionRadius(30, 200, 50))
	require.Equal(t, 50.0, RegionRadius(100, 10, 50))
	require.Equal(t, 300.0, RegionRadius(300, 0, 50))
}

func TestRebalance_MonitorsTwentyOfTwentyFive(t *testing.T) {
	p := sim.New().WithLimits(20, 150)
	a := New(p, nil)
	idx := spatial.Build(ring(25))

	res := a.Rebalance(context.Background(), idx, user)
	require.Len(t, res.Target, 20)
	require.Len(t, res.Started, 20)
	require.Empty(t, res.Failed)

	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		want = append(want, fmt.Sprintf("h%02d", i))
	}
	require.Equal(t, want, p.Monitored())
	require.Equal(t, want, a.Monitored())

	r, ok := p.Region("h00")
	require.True(t, ok)
	require.Equal(t, 100.0, r.RadiusMeters)

	// same input converges: nothing to do
	res = a.Rebalance(context.Background(), idx, user)
	require.Empty(t, res.Started)
	require.Empty(t, res.Stopped)
}

func TestRebalance_MovingSwapsRegions(t *testing.T) {
	p := sim.New()
	a := New(p, nil).WithSettings(3, 2000, 100, 50)
	idx := spatial.Build(ring(10))

	a.Rebalance(context.Background(), idx, user)
	require.Equal(t, []string{"h00", "h01", "h02"}, p.Monitored())

	// walk to the far end of the ring
	moved := models.Coordinate{Lat: user.Lat + 0.0003*10, Lng: user.Lng}
	res := a.Rebalance(context.Background(), idx, moved)
	require.Equal(t, []string{"h07", "h08", "h09"}, p.Monitored())
	require.ElementsMatch(t, []string{"h00", "h01", "h02"}, res.Stopped)
}

func TestRebalance_RegistrationFailureRetriedNextPass(t *testing.T) {
	p := sim.New()
	a := New(p, nil).WithSettings(3, 2000, 100, 50)
	idx := spatial.Build(ring(5))

	p.FailRegion("h01", errors.New("rejected"))
	res := a.Rebalance(context.Background(), idx, user)
	require.Equal(t, []string{"h01"}, res.Failed)
	require.Equal(t, []string{"h00", "h02"}, a.Monitored())

	p.FailRegion("h01", nil)
	res = a.Rebalance(context.Background(), idx, user)
	require.Equal(t, []string{"h01"}, res.Started)
	require.Equal(t, []string{"h00", "h01", "h02"}, a.Monitored())
}

func TestReleaseAll(t *testing.T) {
	p := sim.New()
	a := New(p, nil)
	a.Rebalance(context.Background(), spatial.Build(ring(4)), user)
	require.Len(t, p.Monitored(), 4)

	a.ReleaseAll(context.Background())
	require.Empty(t, p.Monitored())
	require.Empty(t, a.Monitored())
}
