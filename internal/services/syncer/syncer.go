package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/HazardBox/internal/integrations/remote"
	"github.com/BearBump/HazardBox/internal/metrics"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/services/hazards"
	"github.com/pkg/errors"
)

type CursorStore interface {
	LoadCursor(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, cursor string) error
}

type Applier interface {
	ApplyRemote(ctx context.Context, items ...models.CloudHazard) (hazards.ApplyResult, error)
}

// Syncer pulls remote changes page by page and folds them into the table.
type Syncer struct {
	remote  remote.Client
	cursors CursorStore
	applier Applier
	logger  *slog.Logger

	pageSize int
	interval time.Duration
	maxPages int

	triggerCh chan struct{}

	runMu   sync.Mutex
	running *run

	totalRuns     atomic.Int64
	totalPages    atomic.Int64
	totalApplied  atomic.Int64
	totalDiscard  atomic.Int64
	totalFailures atomic.Int64
	lastRunUnix   atomic.Int64
	lastErrorMu   sync.Mutex
	lastError     string
}

type run struct {
	done chan struct{}
	res  Result
	err  error
}

type Result struct {
	Pages     int    `json:"pages"`
	Applied   int    `json:"applied"`
	Discarded int    `json:"discarded"`
	Invalid   int    `json:"invalid"`
	Cursor    string `json:"cursor,omitempty"`
}

func New(rc remote.Client, cursors CursorStore, applier Applier, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		remote:    rc,
		cursors:   cursors,
		applier:   applier,
		logger:    logger,
		pageSize:  100,
		interval:  5 * time.Minute,
		maxPages:  10_000,
		triggerCh: make(chan struct{}, 1),
	}
}

func (s *Syncer) WithSettings(pageSize int, interval time.Duration) *Syncer {
	if pageSize > 0 {
		s.pageSize = pageSize
	}
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// Trigger requests a sync from the Run loop (best-effort, non-blocking).
func (s *Syncer) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// SyncIfNeeded fetches pages from the stored cursor until the remote reports
// no further cursor. Concurrent callers share one run.
func (s *Syncer) SyncIfNeeded(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	if r := s.running; r != nil {
		s.runMu.Unlock()
		select {
		case <-r.done:
			return r.res, r.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	r := &run{done: make(chan struct{})}
	s.running = r
	s.runMu.Unlock()

	r.res, r.err = s.syncOnce(ctx)

	s.runMu.Lock()
	s.running = nil
	s.runMu.Unlock()
	close(r.done)
	return r.res, r.err
}

func (s *Syncer) syncOnce(ctx context.Context) (Result, error) {
	s.totalRuns.Add(1)
	s.lastRunUnix.Store(time.Now().UTC().UnixNano())

	var res Result
	cursor, err := s.cursors.LoadCursor(ctx)
	if err != nil {
		return res, s.fail(errors.Wrap(err, "load cursor"))
	}
	res.Cursor = cursor

	for res.Pages < s.maxPages {
		page, err := s.remote.FetchSince(ctx, cursor, s.pageSize)
		if err != nil {
			return res, s.fail(errors.Wrap(err, "fetch since"))
		}
		res.Pages++
		s.totalPages.Add(1)
		metrics.SyncPagesTotal.Inc()

		if len(page.Items) > 0 {
			ar, err := s.applier.ApplyRemote(ctx, page.Items...)
			if err != nil {
				return res, s.fail(errors.Wrap(err, "apply page"))
			}
			res.Applied += ar.Applied
			res.Discarded += ar.Discarded
			res.Invalid += ar.Invalid
			s.totalApplied.Add(int64(ar.Applied))
			s.totalDiscard.Add(int64(ar.Discarded))
			metrics.SyncRecordsTotal.WithLabelValues("applied").Add(float64(ar.Applied))
			metrics.SyncRecordsTotal.WithLabelValues("discarded").Add(float64(ar.Discarded))
			metrics.SyncRecordsTotal.WithLabelValues("invalid").Add(float64(ar.Invalid))
		}

		if page.NextCursor == "" {
			break
		}
		if page.NextCursor == cursor && len(page.Items) == 0 {
			break
		}
		cursor = page.NextCursor
		if err := s.cursors.SaveCursor(ctx, cursor); err != nil {
			return res, s.fail(errors.Wrap(err, "save cursor"))
		}
		res.Cursor = cursor
		s.logger.Debug("sync page applied", "items", len(page.Items), "cursor", cursor)
	}

	if res.Applied > 0 || res.Discarded > 0 {
		s.logger.Info("sync finished",
			"pages", res.Pages,
			"applied", res.Applied,
			"discarded", res.Discarded,
			"invalid", res.Invalid)
	}
	return res, nil
}

// Run syncs once at start, then every interval and on Trigger, until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	s.runLogged(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runLogged(ctx)
		case <-s.triggerCh:
			s.runLogged(ctx)
		}
	}
}

func (s *Syncer) runLogged(ctx context.Context) {
	if _, err := s.SyncIfNeeded(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sync", "error", err.Error())
	}
}

func (s *Syncer) fail(err error) error {
	s.totalFailures.Add(1)
	metrics.SyncFailuresTotal.Inc()
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
	return err
}

type Stats struct {
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	TotalRuns      int64      `json:"totalRuns"`
	TotalPages     int64      `json:"totalPages"`
	TotalApplied   int64      `json:"totalApplied"`
	TotalDiscarded int64      `json:"totalDiscarded"`
	TotalFailures  int64      `json:"totalFailures"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *Syncer) Stats() Stats {
	st := Stats{
		TotalRuns:      s.totalRuns.Load(),
		TotalPages:     s.totalPages.Load(),
		TotalApplied:   s.totalApplied.Load(),
		TotalDiscarded: s.totalDiscard.Load(),
		TotalFailures:  s.totalFailures.Load(),
	}
	if n := s.lastRunUnix.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}
