package remote

import (
	"context"
	"fmt"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when the remote has no record for the id.
var ErrNotFound = errors.New("remote: hazard not found")

// Page is one batch of remote changes in arrival order. An empty NextCursor
// means the end of the available history.
type Page struct {
	Items      []models.CloudHazard `json:"items"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// Client is the remote source of truth. Upsert and Resolve are idempotent and
// return the authoritative stored copy. An empty cursor starts from the beginning.
type Client interface {
	FetchSince(ctx context.Context, cursor string, pageSize int) (Page, error)
	Upsert(ctx context.Context, h models.CloudHazard) (models.CloudHazard, error)
	Resolve(ctx context.Context, id string) (models.CloudHazard, error)
}

// StatusError is a non-2xx answer from the remote.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s: http %d", e.Op, e.Code)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == 429 || e.Code == 408
}
