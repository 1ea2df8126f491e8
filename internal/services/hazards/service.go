package hazards

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/HazardBox/internal/metrics"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/spatial"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultDedupeRadiusMeters = 18.0
	DefaultSkew               = 2 * time.Second
)

// Repository is the durable side of the store. SaveHazardWithOutbox must
// persist the record and append the entry atomically.
type Repository interface {
	LoadHazards(ctx context.Context) ([]*models.HazardRecord, error)
	SaveHazards(ctx context.Context, recs []*models.HazardRecord) error
	SaveHazardWithOutbox(ctx context.Context, rec *models.HazardRecord, entry models.OutboxEntry) error
	EnqueueOutbox(ctx context.Context, entry models.OutboxEntry) error
}

// Service owns the hazard table. All writes go through mu; readers use the
// atomically published spatial snapshot.
type Service struct {
	repo   Repository
	logger *slog.Logger

	now   func() time.Time
	newID func() string

	dedupeRadius float64
	skew         time.Duration
	ttl          map[models.Kind]time.Duration

	onEnqueue func()

	mu   sync.Mutex
	recs map[string]*models.HazardRecord
	snap atomic.Pointer[spatial.Index]

	subsMu sync.Mutex
	subs   []chan struct{}
}

func New(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:         repo,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		dedupeRadius: DefaultDedupeRadiusMeters,
		skew:         DefaultSkew,
		ttl:          DefaultTTLs(),
		recs:         make(map[string]*models.HazardRecord),
	}
	s.snap.Store(spatial.Empty())
	return s
}

func (s *Service) WithSettings(dedupeRadiusMeters float64, skew time.Duration, ttlDays map[string]int) *Service {
	if dedupeRadiusMeters > 0 {
		s.dedupeRadius = dedupeRadiusMeters
	}
	if skew > 0 {
		s.skew = skew
	}
	s.ttl = ApplyTTLOverrides(s.ttl, ttlDays)
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithIDs(newID func() string) *Service {
	if newID != nil {
		s.newID = newID
	}
	return s
}

// WithOutboxTrigger registers a non-blocking callback run after every enqueue.
func (s *Service) WithOutboxTrigger(fn func()) *Service {
	s.onEnqueue = fn
	return s
}

// Load replaces the in-memory table with the repository contents.
func (s *Service) Load(ctx context.Context) error {
	recs, err := s.repo.LoadHazards(ctx)
	if err != nil {
		return errors.Wrap(err, "load hazards")
	}
	s.mu.Lock()
	s.recs = make(map[string]*models.HazardRecord, len(recs))
	for _, r := range recs {
		s.recs[r.ID] = r
	}
	s.publishLocked()
	s.mu.Unlock()
	s.notify()
	s.logger.Info("hazards loaded", "total", len(recs), "active", s.Snapshot().Len())
	return nil
}

// Report merges into the nearest same-kind active record within the dedupe
// radius or creates a new one. The outbox entry is written together with the
// record; delivery happens asynchronously.
func (s *Service) Report(ctx context.Context, kind models.Kind, c models.Coordinate, severity int) (*models.HazardRecord, error) {
	if !c.Valid() {
		return nil, errors.Wrapf(models.ErrInvalidCoordinate, "lat=%v lng=%v", c.Lat, c.Lng)
	}
	kind = models.ParseKind(string(kind))
	severity = models.ClampSeverity(severity)

	s.mu.Lock()
	now := s.now()
	if _, err := s.expireLocked(ctx, now); err != nil {
		s.logger.Warn("expire before report", "error", err.Error())
	}

	var rec *models.HazardRecord
	outcome := "created"
	if id, ok := s.snap.Load().FindNearest(kind, c, s.dedupeRadius); ok {
		rec = s.recs[id].Clone()
		rec.Confirmations++
		if severity > rec.Severity {
			rec.Severity = severity
		}
		rec.UpdatedAt = now
		if ttl := s.ttlFor(kind); ttl > 0 {
			exp := now.Add(ttl)
			if rec.ExpiresAt == nil || exp.After(*rec.ExpiresAt) {
				rec.ExpiresAt = &exp
			}
		}
		rec.Version++
		outcome = "merged"
	} else {
		rec = &models.HazardRecord{
			ID:            s.newID(),
			Kind:          kind,
			Coordinate:    c,
			Severity:      severity,
			Confirmations: 1,
			CreatedAt:     now,
			UpdatedAt:     now,
			Status:        models.StatusActive,
			Version:       1,
		}
		if ttl := s.ttlFor(kind); ttl > 0 {
			exp := now.Add(ttl)
			rec.ExpiresAt = &exp
		}
	}

	if err := s.repo.SaveHazardWithOutbox(ctx, rec, models.NewUpsertEntry(rec, now)); err != nil {
		s.mu.Unlock()
		return nil, errors.Wrap(err, "save report")
	}
	s.recs[rec.ID] = rec
	s.publishLocked()
	s.mu.Unlock()

	metrics.ReportsTotal.WithLabelValues(string(kind), outcome).Inc()
	s.logger.Debug("hazard reported", "hazard_id", rec.ID, "kind", kind, "outcome", outcome, "confirmations", rec.Confirmations)
	s.notify()
	s.kick()
	return rec.Clone(), nil
}

// Resolve marks an active record resolved and enqueues the remote resolve.
// Ids unknown locally, or already terminal, only enqueue the remote call.
func (s *Service) Resolve(ctx context.Context, id string) error {
	if id == "" {
		return errors.Wrap(models.ErrNotFound, "empty id")
	}
	s.mu.Lock()
	now := s.now()
	entry := models.NewResolveEntry(id, now)

	cur, ok := s.recs[id]
	if !ok || !cur.IsActive() {
		if err := s.repo.EnqueueOutbox(ctx, entry); err != nil {
			s.mu.Unlock()
			return errors.Wrap(err, "enqueue resolve")
		}
		s.mu.Unlock()
		s.logger.Debug("resolve without local change", "hazard_id", id, "known", ok)
		s.kick()
		return nil
	}

	rec := cur.Clone()
	rec.Status = models.StatusResolved
	rec.UpdatedAt = now
	rec.Version++
	if err := s.repo.SaveHazardWithOutbox(ctx, rec, entry); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "save resolve")
	}
	s.recs[id] = rec
	s.publishLocked()
	s.mu.Unlock()

	metrics.ResolvedTotal.Inc()
	s.notify()
	s.kick()
	return nil
}

// ExpireIfNeeded moves every active record with expiresAt <= now to expired.
// It is idempotent and returns the number of records it changed.
func (s *Service) ExpireIfNeeded(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	n, err := s.expireLocked(ctx, now)
	s.mu.Unlock()
	if n > 0 {
		s.notify()
	}
	return n, err
}

func (s *Service) expireLocked(ctx context.Context, now time.Time) (int, error) {
	var changed []*models.HazardRecord
	for _, r := range s.recs {
		if !r.IsActive() || r.ExpiresAt == nil || now.Before(*r.ExpiresAt) {
			continue
		}
		c := r.Clone()
		c.Status = models.StatusExpired
		c.UpdatedAt = now
		c.Version++
		changed = append(changed, c)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := s.repo.SaveHazards(ctx, changed); err != nil {
		return 0, errors.Wrap(err, "save expired")
	}
	for _, c := range changed {
		s.recs[c.ID] = c
	}
	s.publishLocked()
	metrics.ExpiredTotal.Add(float64(len(changed)))
	s.logger.Info("hazards expired", "count", len(changed))
	return len(changed), nil
}

// RunExpirySweeper calls ExpireIfNeeded every interval until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.ExpireIfNeeded(ctx, s.now()); err != nil {
				s.logger.Error("expiry sweep", "error", err.Error())
			}
		}
	}
}

// Query returns active, unexpired records inside b.
func (s *Service) Query(b models.Bounds) []*models.HazardRecord {
	now := s.now()
	all := s.Snapshot().Query(b)
	out := make([]*models.HazardRecord, 0, len(all))
	for _, r := range all {
		if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Get returns a copy of the record with any status.
func (s *Service) Get(id string) (*models.HazardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "id=%s", id)
	}
	return r.Clone(), nil
}

// Snapshot returns the latest immutable index of active records.
func (s *Service) Snapshot() *spatial.Index {
	return s.snap.Load()
}

type Counts struct {
	Active   int `json:"active"`
	Resolved int `json:"resolved"`
	Expired  int `json:"expired"`
}

func (s *Service) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, r := range s.recs {
		switch r.Status {
		case models.StatusActive:
			c.Active++
		case models.StatusResolved:
			c.Resolved++
		case models.StatusExpired:
			c.Expired++
		}
	}
	return c
}

// Subscribe returns a channel that receives a value after the active set
// changes. Notifications coalesce; a slow reader sees at most one pending signal.
func (s *Service) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Service) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Service) kick() {
	if s.onEnqueue != nil {
		s.onEnqueue()
	}
}

func (s *Service) publishLocked() {
	recs := make([]*models.HazardRecord, 0, len(s.recs))
	for _, r := range s.recs {
		recs = append(recs, r)
	}
	idx := spatial.Build(recs)
	s.snap.Store(idx)
	metrics.ActiveHazards.Set(float64(idx.Len()))
}

func (s *Service) ttlFor(k models.Kind) time.Duration {
	if d, ok := s.ttl[k]; ok {
		return d
	}
	return s.ttl[models.KindOther]
}
