package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/HazardBox/internal/metrics"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/platform"
	"github.com/BearBump/HazardBox/internal/services/regions"
	"github.com/BearBump/HazardBox/internal/spatial"
	"github.com/pkg/errors"
)

type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateError  State = "error"
)

// DecisionIgnored is returned for entries that match no active hazard or
// arrive while the session is not active.
const DecisionIgnored Decision = "ignored"

type HazardSource interface {
	Snapshot() *spatial.Index
	Subscribe() <-chan struct{}
}

type Device interface {
	platform.Locator
	platform.Notifier
	platform.Events
}

// Session is the alerting lifecycle: idle -> active on Start, back to idle on
// Stop, and active -> error when location permission is withdrawn.
type Session struct {
	src       HazardSource
	device    Device
	alloc     *regions.Allocator
	throttler *Throttler
	sinks     []Sink
	logger    *slog.Logger
	now       func() time.Time

	locDelay time.Duration
	hazDelay time.Duration
	changes  <-chan struct{}

	mu      sync.Mutex
	state   State
	lastErr string
	loc     *models.Coordinate
	cancel  context.CancelFunc
	locDeb  *Debouncer
	hazDeb  *Debouncer
	wg      sync.WaitGroup
	rebalMu sync.Mutex
}

func NewSession(src HazardSource, device Device, alloc *regions.Allocator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		src:       src,
		device:    device,
		alloc:     alloc,
		throttler: NewThrottler(DefaultAnnounceCooldown),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		locDelay:  DefaultLocationDebounce,
		hazDelay:  DefaultHazardDebounce,
		changes:   src.Subscribe(),
		state:     StateIdle,
	}
}

func (s *Session) WithSettings(cooldown, locationDebounce, hazardDebounce time.Duration) *Session {
	s.throttler = NewThrottler(cooldown)
	if locationDebounce > 0 {
		s.locDelay = locationDebounce
	}
	if hazardDebounce > 0 {
		s.hazDelay = hazardDebounce
	}
	return s
}

func (s *Session) WithClock(now func() time.Time) *Session {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Session) WithSinks(sinks ...Sink) *Session {
	s.sinks = append(s.sinks, sinks...)
	return s
}

// Start begins location observation and region allocation. It returns
// models.ErrPermissionDenied and moves to the error state when location
// access is not granted.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateActive {
		s.mu.Unlock()
		return nil
	}
	if err := s.activateLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.Info("alerting session started")
	s.rebalance(ctx)
	return nil
}

// Stop cancels location observation and releases every monitored region.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.state = StateIdle
	s.lastErr = ""
	s.mu.Unlock()

	s.wg.Wait()
	s.release(ctx)
	s.logger.Info("alerting session stopped")
}

// AuthorizationChanged handles a permission change reported by the platform.
// Losing permission stops monitoring; regaining it resumes from the error state.
func (s *Session) AuthorizationChanged(ctx context.Context, auth platform.Authorization) error {
	s.mu.Lock()
	switch {
	case s.state == StateActive && !auth.Granted():
		s.teardownLocked()
		s.state = StateError
		s.lastErr = "location authorization " + string(auth)
		s.mu.Unlock()

		s.wg.Wait()
		s.release(ctx)
		s.logger.Warn("alerting session lost location permission", "authorization", auth)
		return nil
	case s.state == StateError && auth.Granted():
		if err := s.activateLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
		s.logger.Info("alerting session resumed")
		s.rebalance(ctx)
		return nil
	}
	s.mu.Unlock()
	return nil
}

// RegionEntered picks and emits the alert for a platform region entry.
func (s *Session) RegionEntered(ctx context.Context, regionID string, lc platform.Lifecycle) Decision {
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		metrics.AlertsTotal.WithLabelValues(string(DecisionIgnored)).Inc()
		return DecisionIgnored
	}

	now := s.now()
	h, ok := s.src.Snapshot().Get(regionID)
	if !ok || (h.ExpiresAt != nil && !now.Before(*h.ExpiresAt)) {
		s.logger.Debug("region entry for unknown hazard", "region_id", regionID)
		metrics.AlertsTotal.WithLabelValues(string(DecisionIgnored)).Inc()
		return DecisionIgnored
	}

	d := s.throttler.Admit(lc, now)
	metrics.AlertsTotal.WithLabelValues(string(d)).Inc()
	switch d {
	case DecisionSuppressed:
		return d
	case DecisionNotify:
		err := s.device.ScheduleNotification(ctx, platform.Notification{
			HazardID: h.ID,
			Kind:     h.Kind,
			Severity: h.Severity,
			At:       h.Coordinate,
			Deliver:  now,
		})
		if err != nil {
			metrics.AlertsTotal.WithLabelValues("notify_failed").Inc()
			s.logger.Warn("schedule notification", "hazard_id", h.ID, "error", err.Error())
		}
	}

	a := Alert{Decision: d, Hazard: *h.Clone(), At: now}
	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			s.logger.Warn("deliver alert", "hazard_id", h.ID, "decision", d, "error", err.Error())
		}
	}
	return d
}

// Run forwards platform region entries and authorization changes to the
// session until ctx is done. It does not change the session state by itself.
func (s *Session) Run(ctx context.Context) error {
	entries := s.device.RegionEntries(ctx)
	auths := s.device.AuthorizationChanges(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-entries:
			if !ok {
				return ctx.Err()
			}
			d := s.RegionEntered(ctx, ev.RegionID, ev.Lifecycle)
			s.logger.Debug("region entered", "region_id", ev.RegionID, "lifecycle", ev.Lifecycle, "decision", d)
		case auth, ok := <-auths:
			if !ok {
				return ctx.Err()
			}
			if err := s.AuthorizationChanged(ctx, auth); err != nil {
				s.logger.Warn("apply authorization change", "authorization", auth, "error", err.Error())
			}
		}
	}
}

type Status struct {
	State          State              `json:"state"`
	Monitored      []string           `json:"monitored"`
	LastLocation   *models.Coordinate `json:"lastLocation,omitempty"`
	LastAnnounceAt *time.Time         `json:"lastAnnounceAt,omitempty"`
	LastError      string             `json:"lastError,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state, LastError: s.lastErr}
	if s.loc != nil {
		c := *s.loc
		st.LastLocation = &c
	}
	s.mu.Unlock()

	st.Monitored = s.alloc.Monitored()
	if t := s.throttler.LastAnnounce(); !t.IsZero() {
		st.LastAnnounceAt = &t
	}
	return st
}

func (s *Session) activateLocked(ctx context.Context) error {
	if auth := s.device.Authorization(ctx); !auth.Granted() {
		s.state = StateError
		s.lastErr = "location authorization " + string(auth)
		return errors.Wrapf(models.ErrPermissionDenied, "authorization=%s", auth)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := s.device.Observe(sessCtx)
	if err != nil {
		cancel()
		s.state = StateError
		s.lastErr = err.Error()
		return errors.Wrap(err, "observe location")
	}

	s.cancel = cancel
	s.locDeb = NewDebouncer(s.locDelay, func() { s.rebalance(sessCtx) })
	s.hazDeb = NewDebouncer(s.hazDelay, func() { s.rebalance(sessCtx) })
	s.state = StateActive
	s.lastErr = ""

	locDeb, hazDeb := s.locDeb, s.hazDeb
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-sessCtx.Done():
				return
			case c, ok := <-updates:
				if !ok {
					return
				}
				s.mu.Lock()
				s.loc = &c
				s.mu.Unlock()
				locDeb.Trigger()
			case <-s.changes:
				hazDeb.Trigger()
			}
		}
	}()
	return nil
}

func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.locDeb != nil {
		s.locDeb.Stop()
	}
	if s.hazDeb != nil {
		s.hazDeb.Stop()
	}
}

func (s *Session) rebalance(ctx context.Context) {
	s.rebalMu.Lock()
	defer s.rebalMu.Unlock()

	s.mu.Lock()
	active := s.state == StateActive
	var loc models.Coordinate
	hasLoc := s.loc != nil
	if hasLoc {
		loc = *s.loc
	}
	s.mu.Unlock()
	if !active || !hasLoc || ctx.Err() != nil {
		return
	}
	s.alloc.Rebalance(ctx, s.src.Snapshot(), loc)
}

func (s *Session) release(ctx context.Context) {
	s.rebalMu.Lock()
	defer s.rebalMu.Unlock()
	s.alloc.ReleaseAll(ctx)
}
