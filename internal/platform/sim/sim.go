package sim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/HazardBox/internal/geo"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/platform"
	"github.com/pkg/errors"
)

var ErrRegionLimit = errors.New("sim: region limit reached")

// Platform is an in-process stand-in for the device location subsystem.
type Platform struct {
	mu            sync.Mutex
	auth          platform.Authorization
	maxRadius     float64
	limit         int
	monitored     map[string]platform.Region
	failRegions   map[string]error
	notifyErr     error
	notifications []platform.Notification
	observers     map[int]chan models.Coordinate
	entrySubs     map[int]chan platform.RegionEvent
	authSubs      map[int]chan platform.Authorization
	nextSub       int
	lifecycle     platform.Lifecycle
	inside        map[string]bool
	starts        int
	stops         int
}

func New() *Platform {
	return &Platform{
		auth:        platform.AuthAuthorized,
		maxRadius:   200,
		limit:       20,
		monitored:   make(map[string]platform.Region),
		failRegions: make(map[string]error),
		observers:   make(map[int]chan models.Coordinate),
		entrySubs:   make(map[int]chan platform.RegionEvent),
		authSubs:    make(map[int]chan platform.Authorization),
		lifecycle:   platform.Foreground,
		inside:      make(map[string]bool),
	}
}

// WithLimits sets the platform's region cap and maximum region radius.
func (p *Platform) WithLimits(limit int, maxRadius float64) *Platform {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit > 0 {
		p.limit = limit
	}
	if maxRadius > 0 {
		p.maxRadius = maxRadius
	}
	return p
}

func (p *Platform) StartMonitoring(ctx context.Context, r platform.Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failRegions[r.ID]; err != nil {
		return err
	}
	if _, ok := p.monitored[r.ID]; !ok && len(p.monitored) >= p.limit {
		return errors.Wrapf(ErrRegionLimit, "id=%s", r.ID)
	}
	p.monitored[r.ID] = r
	p.starts++
	return nil
}

func (p *Platform) StopMonitoring(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.monitored, id)
	delete(p.inside, id)
	p.stops++
	return nil
}

func (p *Platform) MaxRadiusMeters() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRadius
}

func (p *Platform) Authorization(ctx context.Context) platform.Authorization {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auth
}

func (p *Platform) Observe(ctx context.Context) (<-chan models.Coordinate, error) {
	p.mu.Lock()
	if !p.auth.Granted() {
		p.mu.Unlock()
		return nil, errors.Wrapf(models.ErrPermissionDenied, "authorization=%s", p.auth)
	}
	id := p.nextSub
	p.nextSub++
	ch := make(chan models.Coordinate, 16)
	p.observers[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (p *Platform) ScheduleNotification(ctx context.Context, n platform.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notifyErr != nil {
		return p.notifyErr
	}
	p.notifications = append(p.notifications, n)
	return nil
}

// RegionEntries streams entry callbacks for monitored regions.
func (p *Platform) RegionEntries(ctx context.Context) <-chan platform.RegionEvent {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan platform.RegionEvent, 16)
	p.entrySubs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.entrySubs, id)
		p.mu.Unlock()
		close(ch)
	}()
	return ch
}

// AuthorizationChanges streams every change made with SetAuthorization.
func (p *Platform) AuthorizationChanges(ctx context.Context) <-chan platform.Authorization {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan platform.Authorization, 16)
	p.authSubs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.authSubs, id)
		p.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Move delivers a location fix to every observer and fires an entry for each
// monitored circle the fix moves into. Slow subscribers drop events.
func (p *Platform) Move(c models.Coordinate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.observers {
		select {
		case ch <- c:
		default:
		}
	}

	ids := make([]string, 0, len(p.monitored))
	for id := range p.monitored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := p.monitored[id]
		in := geo.DistanceMeters(c, r.Center) <= r.RadiusMeters
		if in && !p.inside[id] {
			p.emitEntryLocked(id)
		}
		p.inside[id] = in
	}
}

// Enter fires an entry for a monitored region regardless of position.
func (p *Platform) Enter(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.monitored[id]; !ok {
		return errors.Wrapf(models.ErrNotFound, "region %s is not monitored", id)
	}
	p.inside[id] = true
	p.emitEntryLocked(id)
	return nil
}

func (p *Platform) emitEntryLocked(id string) {
	ev := platform.RegionEvent{RegionID: id, Lifecycle: p.lifecycle, At: time.Now().UTC()}
	for _, ch := range p.entrySubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (p *Platform) SetLifecycle(lc platform.Lifecycle) {
	p.mu.Lock()
	p.lifecycle = lc
	p.mu.Unlock()
}

func (p *Platform) Lifecycle() platform.Lifecycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifecycle
}

func (p *Platform) SetAuthorization(a platform.Authorization) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auth == a {
		return
	}
	p.auth = a
	for _, ch := range p.authSubs {
		select {
		case ch <- a:
		default:
		}
	}
}

// FailRegion makes StartMonitoring for id return err. A nil err clears it.
func (p *Platform) FailRegion(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failRegions, id)
		return
	}
	p.failRegions[id] = err
}

func (p *Platform) FailNotifications(err error) {
	p.mu.Lock()
	p.notifyErr = err
	p.mu.Unlock()
}

// Monitored returns the ids of monitored regions, sorted.
func (p *Platform) Monitored() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.monitored))
	for id := range p.monitored {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Platform) Region(id string) (platform.Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.monitored[id]
	return r, ok
}

func (p *Platform) Notifications() []platform.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]platform.Notification(nil), p.notifications...)
}

// Observers returns how many location observations are open.
func (p *Platform) Observers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

// Calls returns the number of successful start and stop calls so far.
func (p *Platform) Calls() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}
