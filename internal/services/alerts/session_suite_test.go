package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/HazardBox/internal/broker/messages"
	"github.com/BearBump/HazardBox/internal/metrics"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/platform"
	"github.com/BearBump/HazardBox/internal/platform/sim"
	"github.com/BearBump/HazardBox/internal/services/regions"
	"github.com/BearBump/HazardBox/internal/spatial"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type staticSource struct {
	mu  sync.Mutex
	idx *spatial.Index
	ch  chan struct{}
}

func newStaticSource(recs ...*models.HazardRecord) *staticSource {
	return &staticSource{idx: spatial.Build(recs), ch: make(chan struct{}, 1)}
}

func (s *staticSource) Snapshot() *spatial.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

func (s *staticSource) Subscribe() <-chan struct{} { return s.ch }

func (s *staticSource) replace(recs ...*models.HazardRecord) {
	s.mu.Lock()
	s.idx = spatial.Build(recs)
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

var here = models.Coordinate{Lat: 49.2800, Lng: -123.1200}

func rec(id string, dLat float64, severity int) *models.HazardRecord {
	now := time.Now().UTC()
	return &models.HazardRecord{
		ID:            id,
		Kind:          models.KindGravel,
		Coordinate:    models.Coordinate{Lat: here.Lat + dLat, Lng: here.Lng},
		Severity:      severity,
		Confirmations: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        models.StatusActive,
		Version:       1,
	}
}

type SessionSuite struct {
	suite.Suite
	ctx  context.Context
	src  *staticSource
	plat *sim.Platform
	sink *ChanSink
	now  time.Time
	sess *Session
}

func (s *SessionSuite) SetupTest() {
	s.ctx = context.Background()
	s.src = newStaticSource(rec("a", 0.001, 2), rec("b", 0.002, 4), rec("c", 0.003, 1))
	s.plat = sim.New()
	s.sink = NewChanSink(8)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alloc := regions.New(s.plat, nil).WithSettings(2, 2000, 100, 50)
	s.sess = NewSession(s.src, s.plat, alloc, nil).
		WithSettings(time.Minute, 10*time.Millisecond, 10*time.Millisecond).
		WithClock(func() time.Time { return s.now }).
		WithSinks(s.sink)
}

func (s *SessionSuite) TearDownTest() {
	s.sess.Stop(s.ctx)
}

func (s *SessionSuite) waitMonitored(want ...string) {
	s.Require().Eventually(func() bool {
		got := s.plat.Monitored()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func (s *SessionSuite) startAt(c models.Coordinate) {
	s.Require().NoError(s.sess.Start(s.ctx))
	s.Require().Eventually(func() bool { return s.plat.Observers() == 1 }, time.Second, 5*time.Millisecond)
	s.plat.Move(c)
}

func (s *SessionSuite) TestStart_DeniedGoesToError() {
	s.plat.SetAuthorization(platform.AuthDenied)

	err := s.sess.Start(s.ctx)
	s.Require().ErrorIs(err, models.ErrPermissionDenied)
	st := s.sess.Status()
	s.Require().Equal(StateError, st.State)
	s.Require().NotEmpty(st.LastError)
	s.Require().Zero(s.plat.Observers())
}

func (s *SessionSuite) TestLocationFixAllocatesRegions() {
	s.startAt(here)
	s.waitMonitored("a", "b")

	st := s.sess.Status()
	s.Require().Equal(StateActive, st.State)
	s.Require().Equal([]string{"a", "b"}, st.Monitored)
	s.Require().NotNil(st.LastLocation)
}

func (s *SessionSuite) TestHazardChangeRebalances() {
	s.startAt(here)
	s.waitMonitored("a", "b")

	s.src.replace(rec("b", 0.002, 4), rec("c", 0.003, 1), rec("d", 0.0005, 3))
	s.waitMonitored("b", "d")
}

func (s *SessionSuite) TestStop_ReleasesRegions() {
	s.startAt(here)
	s.waitMonitored("a", "b")

	s.sess.Stop(s.ctx)
	s.Require().Empty(s.plat.Monitored())
	s.Require().Equal(StateIdle, s.sess.Status().State)
	s.Require().Eventually(func() bool { return s.plat.Observers() == 0 }, time.Second, 5*time.Millisecond)

	// further fixes are not observed
	s.plat.Move(here)
	time.Sleep(30 * time.Millisecond)
	s.Require().Empty(s.plat.Monitored())
}

func (s *SessionSuite) TestPermissionLossAndRecovery() {
	s.startAt(here)
	s.waitMonitored("a", "b")

	s.plat.SetAuthorization(platform.AuthDenied)
	s.Require().NoError(s.sess.AuthorizationChanged(s.ctx, platform.AuthDenied))
	s.Require().Equal(StateError, s.sess.Status().State)
	s.Require().Empty(s.plat.Monitored())

	s.plat.SetAuthorization(platform.AuthAuthorized)
	s.Require().NoError(s.sess.AuthorizationChanged(s.ctx, platform.AuthAuthorized))
	s.Require().Equal(StateActive, s.sess.Status().State)
	// the last known location is reused right away
	s.Require().Equal([]string{"a", "b"}, s.plat.Monitored())
}

func (s *SessionSuite) TestRegionEntered_ForegroundCooldown() {
	s.startAt(here)

	s.Require().Equal(DecisionAnnounce, s.sess.RegionEntered(s.ctx, "a", platform.Foreground))
	a := <-s.sink.C()
	s.Require().Equal("a", a.Hazard.ID)
	s.Require().Equal(DecisionAnnounce, a.Decision)

	s.now = s.now.Add(10 * time.Second)
	s.Require().Equal(DecisionSuppressed, s.sess.RegionEntered(s.ctx, "b", platform.Foreground))
	s.Require().Empty(s.sink.C())

	s.now = s.now.Add(time.Minute)
	s.Require().Equal(DecisionAnnounce, s.sess.RegionEntered(s.ctx, "b", platform.Foreground))
	s.Require().NotNil(s.sess.Status().LastAnnounceAt)
}

func (s *SessionSuite) TestRegionEntered_BackgroundSchedulesNotification() {
	s.startAt(here)
	s.Require().Equal(DecisionAnnounce, s.sess.RegionEntered(s.ctx, "a", platform.Foreground))
	<-s.sink.C()

	s.Require().Equal(DecisionNotify, s.sess.RegionEntered(s.ctx, "b", platform.Background))
	n := s.plat.Notifications()
	s.Require().Len(n, 1)
	s.Require().Equal("b", n[0].HazardID)
	s.Require().Equal(4, n[0].Severity)

	// scheduling failures are logged and not retried
	s.plat.FailNotifications(errors.New("quota"))
	s.Require().Equal(DecisionNotify, s.sess.RegionEntered(s.ctx, "c", platform.Background))
	s.Require().Len(s.plat.Notifications(), 1)
}

func (s *SessionSuite) TestRegionEntered_IgnoredCases() {
	s.Require().Equal(DecisionIgnored, s.sess.RegionEntered(s.ctx, "a", platform.Foreground))

	s.startAt(here)
	s.Require().Equal(DecisionIgnored, s.sess.RegionEntered(s.ctx, "nope", platform.Foreground))
	s.Require().Empty(s.sink.C())
}

func (s *SessionSuite) TestKafkaSinkPublishesAlert() {
	pm := &publisherMock{}
	pm.On("Publish", mock.Anything, messages.TopicHazardAlerts, []byte("a"), mock.MatchedBy(func(v []byte) bool {
		var m messages.HazardAlert
		if err := json.Unmarshal(v, &m); err != nil {
			return false
		}
		return m.HazardID == "a" && m.Delivery == "announce" && m.Kind == "gravel"
	})).Return(nil).Once()
	s.sess.WithSinks(NewKafkaSink(pm, ""))

	s.startAt(here)
	s.sess.RegionEntered(s.ctx, "a", platform.Foreground)
	pm.AssertExpectations(s.T())
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) TestRegionEntered_CountsDecisionLabels() {
	count := func(result string) float64 {
		return testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues(result))
	}
	before := map[string]float64{}
	for _, r := range []string{"announce", "suppressed", "notify", "notify_failed", "ignored"} {
		before[r] = count(r)
	}

	s.sess.RegionEntered(s.ctx, "a", platform.Foreground)
	s.startAt(here)
	s.sess.RegionEntered(s.ctx, "a", platform.Foreground)
	<-s.sink.C()
	s.sess.RegionEntered(s.ctx, "b", platform.Foreground)
	s.sess.RegionEntered(s.ctx, "b", platform.Background)
	<-s.sink.C()
	s.plat.FailNotifications(errors.New("quota"))
	s.sess.RegionEntered(s.ctx, "c", platform.Background)
	<-s.sink.C()

	s.Require().Equal(before["ignored"]+1, count("ignored"))
	s.Require().Equal(before["announce"]+1, count("announce"))
	s.Require().Equal(before["suppressed"]+1, count("suppressed"))
	s.Require().Equal(before["notify"]+2, count("notify"))
	s.Require().Equal(before["notify_failed"]+1, count("notify_failed"))
}

func (s *SessionSuite) TestRun_ForwardsPlatformEvents() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.sess.Run(ctx) }()
	defer func() {
		cancel()
		s.Require().ErrorIs(<-done, context.Canceled)
	}()

	s.startAt(here)
	s.waitMonitored("a", "b")

	s.plat.SetLifecycle(platform.Background)
	s.plat.Move(models.Coordinate{Lat: here.Lat + 0.001, Lng: here.Lng})
	s.Require().Eventually(func() bool {
		for _, n := range s.plat.Notifications() {
			if n.HazardID == "a" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	s.plat.SetAuthorization(platform.AuthDenied)
	s.Require().Eventually(func() bool {
		return s.sess.Status().State == StateError && len(s.plat.Monitored()) == 0
	}, time.Second, 5*time.Millisecond)

	s.plat.SetAuthorization(platform.AuthAuthorized)
	s.Require().Eventually(func() bool { return s.sess.Status().State == StateActive }, time.Second, 5*time.Millisecond)
}
