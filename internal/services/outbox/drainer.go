package outbox

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

type Queue interface {
	PeekOutbox(ctx context.Context) (*models.OutboxEntry, error)
	PopOutbox(ctx context.Context, seq int64) error
	OutboxLen(ctx context.Context) (int64, error)
}

// Applier folds the remote's authoritative copy back into the hazard table.
type Applier interface {
	ApplyRemote(ctx context.Context, items ...models.CloudHazard) (hazards.ApplyResult, error)
}

// Drainer delivers outbox entries strictly in order. A failing head is retried
// with capped exponential backoff and blocks everything behind it.
type Drainer struct {
	queue   Queue
	remote  remote.Client
	applier Applier
	logger  *slog.Logger

	backoff      Backoff
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastDrainUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	lastDeliverUnixNano atomic.Int64
	pending             atomic.Int64
	headAttempts        atomic.Int64
	totalDelivered      atomic.Int64
	totalFailures       atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(queue Queue, rc remote.Client, applier Applier, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		queue:             queue,
		remote:            rc,
		applier:           applier,
		logger:            logger,
		backoff:           DefaultBackoff(),
		pollInterval:      30 * time.Second,
		sleep:             sleepCtx,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (d *Drainer) WithSettings(backoff Backoff, pollInterval time.Duration) *Drainer {
	d.backoff = NewBackoff(backoff.Base, backoff.Max)
	if pollInterval > 0 {
		d.pollInterval = pollInterval
	}
	return d
}

// Trigger wakes the drain loop (best-effort, non-blocking).
func (d *Drainer) Trigger() {
	d.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastDrainAt     *time.Time `json:"lastDrainAt,omitempty"`
	LastTriggerAt   *time.Time `json:"lastTriggerAt,omitempty"`
	LastDeliveredAt *time.Time `json:"lastDeliveredAt,omitempty"`
	Pending         int64      `json:"pending"`
	HeadAttempts    int64      `json:"headAttempts"`
	TotalDelivered  int64      `json:"totalDelivered"`
	TotalFailures   int64      `json:"totalFailures"`
	LastError       string     `json:"lastError,omitempty"`
}

func (d *Drainer) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, d.startedAtUnixNano).UTC(),
		Pending:        d.pending.Load(),
		HeadAttempts:   d.headAttempts.Load(),
		TotalDelivered: d.totalDelivered.Load(),
		TotalFailures:  d.totalFailures.Load(),
	}
	st.LastDrainAt = unixPtr(d.lastDrainUnixNano.Load())
	st.LastTriggerAt = unixPtr(d.lastTriggerUnixNano.Load())
	st.LastDeliveredAt = unixPtr(d.lastDeliverUnixNano.Load())
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

// Run drains on start, then on every trigger and poll tick, until ctx is done.
func (d *Drainer) Run(ctx context.Context) error {
	d.drain(ctx)

	t := time.NewTicker(d.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.drain(ctx)
		case <-d.triggerCh:
			d.drain(ctx)
		}
	}
}

// drain delivers entries until the outbox is empty or ctx is done.
func (d *Drainer) drain(ctx context.Context) {
	d.lastDrainUnixNano.Store(time.Now().UTC().UnixNano())
	attempts := 0
	for ctx.Err() == nil {
		d.refreshPending(ctx)

		head, err := d.queue.PeekOutbox(ctx)
		if err != nil {
			d.setError(err)
			d.logger.Error("peek outbox", "error", err.Error())
			return
		}
		if head == nil {
			d.headAttempts.Store(0)
			return
		}

		if err := d.deliver(ctx, head); err != nil {
			attempts++
			d.headAttempts.Store(int64(attempts))
			d.totalFailures.Add(1)
			d.setError(err)
			delay := d.backoff.Delay(attempts)
			metrics.OutboxFailuresTotal.WithLabelValues(string(head.Op)).Inc()
			metrics.OutboxBackoffSeconds.Observe(delay.Seconds())
			d.logger.Warn("outbox delivery failed",
				"op", head.Op,
				"hazard_id", head.HazardID,
				"seq", head.Seq,
				"attempt", attempts,
				"delay", delay.String(),
				"error", err.Error())
			if err := d.sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		attempts = 0
		d.headAttempts.Store(0)
		// the remote call went through; record it even if we are shutting down
		if err := d.queue.PopOutbox(context.WithoutCancel(ctx), head.Seq); err != nil {
			if errors.Is(err, models.ErrOutboxHeadChanged) {
				d.logger.Warn("outbox head changed before pop", "seq", head.Seq)
				continue
			}
			d.setError(err)
			d.logger.Error("pop outbox", "seq", head.Seq, "error", err.Error())
			return
		}
		d.totalDelivered.Add(1)
		d.lastDeliverUnixNano.Store(time.Now().UTC().UnixNano())
		metrics.OutboxDeliveredTotal.WithLabelValues(string(head.Op)).Inc()
	}
}

// deliver performs the remote call for e and applies the answer. The remote
// call is not cancelled by ctx so an in-flight request finishes naturally.
func (d *Drainer) deliver(ctx context.Context, e *models.OutboxEntry) error {
	callCtx := context.WithoutCancel(ctx)

	var (
		got models.CloudHazard
		err error
	)
	switch e.Op {
	case models.OutboxUpsert:
		if e.Hazard == nil {
			return errors.Wrapf(models.ErrInvalidKind, "upsert seq=%d without payload", e.Seq)
		}
		got, err = d.remote.Upsert(callCtx, *e.Hazard)
	case models.OutboxResolve:
		got, err = d.remote.Resolve(callCtx, e.HazardID)
		if errors.Is(err, remote.ErrNotFound) {
			d.logger.Info("resolve for id unknown to remote", "hazard_id", e.HazardID)
			return nil
		}
	default:
		return errors.Wrapf(models.ErrInvalidKind, "op %q", e.Op)
	}
	if err != nil {
		return errors.Wrapf(err, "remote %s", e.Op)
	}

	if _, err := d.applier.ApplyRemote(callCtx, got); err != nil {
		return errors.Wrap(err, "apply remote answer")
	}
	return nil
}

func (d *Drainer) refreshPending(ctx context.Context) {
	n, err := d.queue.OutboxLen(ctx)
	if err != nil {
		return
	}
	d.pending.Store(n)
	metrics.OutboxPending.Set(float64(n))
}

func (d *Drainer) setError(err error) {
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func unixPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
