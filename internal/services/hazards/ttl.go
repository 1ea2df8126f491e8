package hazards

import (
	"time"

	"github.com/BearBump/HazardBox/internal/models"
)

const day = 24 * time.Hour

// DefaultTTLs is the per-kind lifetime of an unconfirmed hazard.
func DefaultTTLs() map[models.Kind]time.Duration {
	return map[models.Kind]time.Duration{
		models.KindWet:     1 * day,
		models.KindDebris:  2 * day,
		models.KindGravel:  7 * day,
		models.KindOther:   14 * day,
		models.KindCrack:   120 * day,
		models.KindPothole: 60 * day,
		models.KindRail:    365 * day,
	}
}

// ApplyTTLOverrides returns a copy of base with the configured day counts.
// A non-positive count means records of that kind never expire.
func ApplyTTLOverrides(base map[models.Kind]time.Duration, days map[string]int) map[models.Kind]time.Duration {
	out := make(map[models.Kind]time.Duration, len(base))
	for k, v := range base {
		out[k] = v
	}
	for name, n := range days {
		k := models.ParseKind(name)
		if k == models.KindOther && name != string(models.KindOther) {
			continue
		}
		if n <= 0 {
			out[k] = 0
			continue
		}
		out[k] = time.Duration(n) * day
	}
	return out
}
