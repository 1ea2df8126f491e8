package hazards

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type repoMock struct {
	mock.Mock
}

func (m *repoMock) LoadHazards(ctx context.Context) ([]*models.HazardRecord, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).([]*models.HazardRecord)
	return recs, args.Error(1)
}

func (m *repoMock) SaveHazards(ctx context.Context, recs []*models.HazardRecord) error {
	return m.Called(ctx, recs).Error(0)
}

func (m *repoMock) SaveHazardWithOutbox(ctx context.Context, rec *models.HazardRecord, entry models.OutboxEntry) error {
	return m.Called(ctx, rec, entry).Error(0)
}

func (m *repoMock) EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) error {
	return m.Called(ctx, entry).Error(0)
}

type ServiceSuite struct {
	suite.Suite

	repo    *repoMock
	svc     *Service
	now     time.Time
	seq     int
	kicks   int
	vancouv models.Coordinate
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &repoMock{}
	s.now = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.seq = 0
	s.kicks = 0
	s.vancouv = models.Coordinate{Lat: 49.280, Lng: -123.120}
	s.svc = New(s.repo, nil).
		WithClock(func() time.Time { return s.now }).
		WithIDs(func() string { s.seq++; return fmt.Sprintf("h%d", s.seq) }).
		WithOutboxTrigger(func() { s.kicks++ })
}

func (s *ServiceSuite) allowWrites() {
	s.repo.On("SaveHazardWithOutbox", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	s.repo.On("SaveHazards", mock.Anything, mock.Anything).Return(nil)
	s.repo.On("EnqueueOutbox", mock.Anything, mock.Anything).Return(nil)
}

func (s *ServiceSuite) area() models.Bounds {
	return models.Bounds{MinLat: 49.27, MinLng: -123.13, MaxLat: 49.29, MaxLng: -123.11}
}

func (s *ServiceSuite) TestReport_CreatesRecordAndEnqueuesUpsert() {
	s.repo.On("SaveHazardWithOutbox", mock.Anything,
		mock.MatchedBy(func(r *models.HazardRecord) bool {
			return r.ID == "h1" && r.Confirmations == 1 && r.Status == models.StatusActive
		}),
		mock.MatchedBy(func(e models.OutboxEntry) bool {
			return e.Op == models.OutboxUpsert && e.HazardID == "h1" && e.Hazard != nil && e.Hazard.Severity == 3
		})).
		Return(nil).
		Once()

	rec, err := s.svc.Report(context.Background(), models.KindPothole, s.vancouv, 3)
	s.Require().NoError(err)
	s.Require().Equal("h1", rec.ID)
	s.Require().Equal(s.now, rec.CreatedAt)
	s.Require().Equal(s.now.Add(60*day), *rec.ExpiresAt)
	s.Require().Equal(int64(1), rec.Version)
	s.Require().Equal(1, s.kicks)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestReport_MergesNearbySameKind() {
	s.allowWrites()

	first, err := s.svc.Report(context.Background(), models.KindPothole, s.vancouv, 3)
	s.Require().NoError(err)

	s.now = s.now.Add(time.Hour)
	second, err := s.svc.Report(context.Background(), models.KindPothole, models.Coordinate{Lat: 49.280001, Lng: -123.120001}, 5)
	s.Require().NoError(err)

	s.Require().Equal(first.ID, second.ID)
	s.Require().Equal(2, second.Confirmations)
	s.Require().Equal(5, second.Severity)
	s.Require().Equal(s.now, second.UpdatedAt)
	s.Require().Equal(first.CreatedAt, second.CreatedAt)
	s.Require().Len(s.svc.Query(s.area()), 1)
}

func (s *ServiceSuite) TestReport_MergeKeepsHigherSeverity() {
	s.allowWrites()

	_, err := s.svc.Report(context.Background(), models.KindGravel, s.vancouv, 4)
	s.Require().NoError(err)
	rec, err := s.svc.Report(context.Background(), models.KindGravel, s.vancouv, 1)
	s.Require().NoError(err)
	s.Require().Equal(4, rec.Severity)
	s.Require().Equal(2, rec.Confirmations)
}

func (s *ServiceSuite) TestReport_TTLRefreshNeverShortens() {
	s.allowWrites()

	first, err := s.svc.Report(context.Background(), models.KindDebris, s.vancouv, 2)
	s.Require().NoError(err)
	before := *first.ExpiresAt

	s.now = s.now.Add(12 * time.Hour)
	second, err := s.svc.Report(context.Background(), models.KindDebris, s.vancouv, 2)
	s.Require().NoError(err)
	s.Require().False(second.ExpiresAt.Before(before))
	s.Require().Equal(s.now.Add(2*day), *second.ExpiresAt)
}

func (s *ServiceSuite) TestReport_DistinctKindsAndDistances() {
	s.allowWrites()

	a, err := s.svc.Report(context.Background(), models.KindPothole, s.vancouv, 3)
	s.Require().NoError(err)
	b, err := s.svc.Report(context.Background(), models.KindRail, s.vancouv, 3)
	s.Require().NoError(err)
	// ~22 m north, outside the 18 m radius
	c, err := s.svc.Report(context.Background(), models.KindPothole, models.Coordinate{Lat: 49.2802, Lng: -123.120}, 3)
	s.Require().NoError(err)

	s.Require().NotEqual(a.ID, b.ID)
	s.Require().NotEqual(a.ID, c.ID)
	s.Require().Len(s.svc.Query(s.area()), 3)
}

func (s *ServiceSuite) TestReport_UnknownKindClampedSeverity() {
	s.allowWrites()

	rec, err := s.svc.Report(context.Background(), models.Kind("ice"), s.vancouv, 42)
	s.Require().NoError(err)
	s.Require().Equal(models.KindOther, rec.Kind)
	s.Require().Equal(5, rec.Severity)
	s.Require().Equal(s.now.Add(14*day), *rec.ExpiresAt)
}

func (s *ServiceSuite) TestReport_InvalidCoordinate() {
	_, err := s.svc.Report(context.Background(), models.KindPothole, models.Coordinate{Lat: 120, Lng: 0}, 3)
	s.Require().True(errors.Is(err, models.ErrInvalidCoordinate))
	s.repo.AssertNotCalled(s.T(), "SaveHazardWithOutbox", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestReport_RepoErrorLeavesTableUntouched() {
	s.repo.On("SaveHazardWithOutbox", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	_, err := s.svc.Report(context.Background(), models.KindPothole, s.vancouv, 3)
	s.Require().Error(err)
	s.Require().Equal(0, s.svc.Snapshot().Len())
	s.Require().Equal(0, s.kicks)
}

func (s *ServiceSuite) TestExpire_WetAfter25Hours() {
	s.allowWrites()

	rec, err := s.svc.Report(context.Background(), models.KindWet, s.vancouv, 2)
	s.Require().NoError(err)

	n, err := s.svc.ExpireIfNeeded(context.Background(), s.now.Add(23*time.Hour))
	s.Require().NoError(err)
	s.Require().Equal(0, n)

	s.now = s.now.Add(25 * time.Hour)
	n, err = s.svc.ExpireIfNeeded(context.Background(), s.now)
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	got, err := s.svc.Get(rec.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusExpired, got.Status)
	s.Require().Empty(s.svc.Query(s.area()))

	n, err = s.svc.ExpireIfNeeded(context.Background(), s.now)
	s.Require().NoError(err)
	s.Require().Equal(0, n)
}

func (s *ServiceSuite) TestQuery_HidesUnsweptExpired() {
	s.allowWrites()

	_, err := s.svc.Report(context.Background(), models.KindWet, s.vancouv, 2)
	s.Require().NoError(err)
	s.now = s.now.Add(day)
	s.Require().Empty(s.svc.Query(s.area()))
}

func (s *ServiceSuite) TestReport_DoesNotMergeIntoExpired() {
	s.allowWrites()

	first, err := s.svc.Report(context.Background(), models.KindWet, s.vancouv, 2)
	s.Require().NoError(err)
	s.now = s.now.Add(2 * day)
	second, err := s.svc.Report(context.Background(), models.KindWet, s.vancouv, 2)
	s.Require().NoError(err)
	s.Require().NotEqual(first.ID, second.ID)

	old, err := s.svc.Get(first.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusExpired, old.Status)
}

func (s *ServiceSuite) TestTTLOverrideDisablesExpiry() {
	s.allowWrites()
	s.svc.WithSettings(0, 0, map[string]int{"rail": 0})

	rec, err := s.svc.Report(context.Background(), models.KindRail, s.vancouv, 1)
	s.Require().NoError(err)
	s.Require().Nil(rec.ExpiresAt)
}

func (s *ServiceSuite) TestResolve_ActiveRecord() {
	s.allowWrites()

	rec, err := s.svc.Report(context.Background(), models.KindCrack, s.vancouv, 2)
	s.Require().NoError(err)
	s.now = s.now.Add(time.Minute)

	s.Require().NoError(s.svc.Resolve(context.Background(), rec.ID))
	got, err := s.svc.Get(rec.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusResolved, got.Status)
	s.Require().Equal(s.now, got.UpdatedAt)
	s.Require().Equal(int64(2), got.Version)
	s.Require().Empty(s.svc.Query(s.area()))
	s.repo.AssertCalled(s.T(), "SaveHazardWithOutbox", mock.Anything, mock.Anything,
		mock.MatchedBy(func(e models.OutboxEntry) bool { return e.Op == models.OutboxResolve && e.HazardID == rec.ID }))
}

func (s *ServiceSuite) TestResolve_UnknownIDStillEnqueues() {
	s.repo.On("EnqueueOutbox", mock.Anything, mock.MatchedBy(func(e models.OutboxEntry) bool {
		return e.Op == models.OutboxResolve && e.HazardID == "remote-only"
	})).Return(nil).Once()

	s.Require().NoError(s.svc.Resolve(context.Background(), "remote-only"))
	s.Require().Equal(1, s.kicks)
	s.repo.AssertExpectations(s.T())

	_, err := s.svc.Get("remote-only")
	s.Require().True(errors.Is(err, models.ErrNotFound))
}

func (s *ServiceSuite) TestLoad_RebuildsSnapshotFromRepo() {
	exp := s.now.Add(time.Hour)
	s.repo.On("LoadHazards", mock.Anything).Return([]*models.HazardRecord{
		{ID: "a", Kind: models.KindPothole, Coordinate: s.vancouv, Severity: 2, Confirmations: 1, Status: models.StatusActive, ExpiresAt: &exp},
		{ID: "b", Kind: models.KindPothole, Coordinate: s.vancouv, Severity: 2, Confirmations: 1, Status: models.StatusResolved},
	}, nil).Once()

	sub := s.svc.Subscribe()
	s.Require().NoError(s.svc.Load(context.Background()))
	s.Require().Equal(1, s.svc.Snapshot().Len())
	s.Require().Equal(Counts{Active: 1, Resolved: 1}, s.svc.Counts())

	select {
	case <-sub:
	default:
		s.Fail("expected change notification")
	}
}

func (s *ServiceSuite) TestSubscribe_Coalesces() {
	s.allowWrites()
	sub := s.svc.Subscribe()

	for i := 0; i < 3; i++ {
		_, err := s.svc.Report(context.Background(), models.KindPothole, s.vancouv, 3)
		s.Require().NoError(err)
	}
	<-sub
	select {
	case <-sub:
		s.Fail("notifications should coalesce")
	default:
	}
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
