package alerts

import (
	"sync"
	"time"

	"github.com/BearBump/HazardBox/internal/platform"
)

const DefaultAnnounceCooldown = 60 * time.Second

type Decision string

const (
	DecisionAnnounce   Decision = "announce"
	DecisionNotify     Decision = "notify"
	DecisionSuppressed Decision = "suppressed"
)

// Decide picks the delivery for a region entry. Background entries always
// schedule a notification. Foreground entries announce only once the single
// global cooldown has elapsed since lastAnnounce (zero means never).
func Decide(lc platform.Lifecycle, now, lastAnnounce time.Time, cooldown time.Duration) Decision {
	if lc == platform.Background {
		return DecisionNotify
	}
	if lastAnnounce.IsZero() || now.Sub(lastAnnounce) >= cooldown {
		return DecisionAnnounce
	}
	return DecisionSuppressed
}

// Throttler remembers the last announcement and applies Decide.
type Throttler struct {
	cooldown time.Duration

	mu           sync.Mutex
	lastAnnounce time.Time
}

func NewThrottler(cooldown time.Duration) *Throttler {
	if cooldown <= 0 {
		cooldown = DefaultAnnounceCooldown
	}
	return &Throttler{cooldown: cooldown}
}

// Admit returns the decision for an entry at now and records announcements.
func (t *Throttler) Admit(lc platform.Lifecycle, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := Decide(lc, now, t.lastAnnounce, t.cooldown)
	if d == DecisionAnnounce {
		t.lastAnnounce = now
	}
	return d
}

func (t *Throttler) LastAnnounce() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAnnounce
}
