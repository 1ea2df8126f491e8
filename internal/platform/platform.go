// Package platform describes the device capabilities the alerting pipeline
// depends on: region monitoring, location authorization and updates, and
// local notifications.
package platform

import (
	"context"
	"time"

	"github.com/BearBump/HazardBox/internal/models"
)

type Lifecycle string

const (
	Foreground Lifecycle = "foreground"
	Background Lifecycle = "background"
)

type Authorization string

const (
	AuthNotDetermined Authorization = "not_determined"
	AuthAuthorized    Authorization = "authorized"
	AuthDenied        Authorization = "denied"
	AuthRestricted    Authorization = "restricted"
)

// Granted reports whether location observation is allowed.
func (a Authorization) Granted() bool { return a == AuthAuthorized }

// Region is a circular monitored area. ID is the hazard id it backs.
type Region struct {
	ID           string            `json:"id"`
	Center       models.Coordinate `json:"center"`
	RadiusMeters float64           `json:"radiusMeters"`
}

type Regions interface {
	StartMonitoring(ctx context.Context, r Region) error
	StopMonitoring(ctx context.Context, id string) error
	MaxRadiusMeters() float64
}

type Locator interface {
	Authorization(ctx context.Context) Authorization
	// Observe streams location fixes until ctx is done. The channel is closed then.
	Observe(ctx context.Context) (<-chan models.Coordinate, error)
}

type Notification struct {
	HazardID string            `json:"hazardId"`
	Kind     models.Kind       `json:"kind"`
	Severity int               `json:"severity"`
	At       models.Coordinate `json:"at"`
	Deliver  time.Time         `json:"deliver"`
}

type Notifier interface {
	ScheduleNotification(ctx context.Context, n Notification) error
}

// RegionEvent is a platform callback for entering a monitored region.
type RegionEvent struct {
	RegionID  string    `json:"regionId"`
	Lifecycle Lifecycle `json:"lifecycle"`
	At        time.Time `json:"at"`
}

// Events streams asynchronous platform callbacks. Both channels are closed
// once ctx is done.
type Events interface {
	RegionEntries(ctx context.Context) <-chan RegionEvent
	AuthorizationChanges(ctx context.Context) <-chan Authorization
}

// Platform bundles every capability; sim.Platform implements it.
type Platform interface {
	Regions
	Locator
	Notifier
	Events
}
