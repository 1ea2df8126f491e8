package fake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/BearBump/HazardBox/internal/integrations/remote"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/pkg/errors"
)

// Client is an in-memory remote authority. It keeps a change log so FetchSince
// can page through history; the cursor is an offset into that log.
type Client struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]models.CloudHazard
	log     []string
	calls   []string
	hook    func(op, id string) error
}

func New() *Client {
	return &Client{
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]models.CloudHazard),
	}
}

func (c *Client) WithClock(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

// Seed stores h as if another device had written it.
func (c *Client) Seed(h models.CloudHazard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.ServerTimestamp.IsZero() {
		h.ServerTimestamp = c.now()
	}
	c.records[h.ID] = h
	c.log = append(c.log, h.ID)
}

// Calls returns the successful operations in the order they were applied, as "op:id".
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *Client) Get(id string) (models.CloudHazard, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.records[id]
	return h, ok
}

// SetHook installs fn to run before every call; a non-nil error fails the call.
func (c *Client) SetHook(fn func(op, id string) error) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

func (c *Client) before(op, id string) error {
	c.mu.Lock()
	fn := c.hook
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, id)
}

func (c *Client) FetchSince(ctx context.Context, cursor string, pageSize int) (remote.Page, error) {
	if err := c.before("fetch", cursor); err != nil {
		return remote.Page{}, err
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	off := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return remote.Page{}, errors.Errorf("fake remote: bad cursor %q", cursor)
		}
		off = n
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if off >= len(c.log) {
		return remote.Page{}, nil
	}
	end := off + pageSize
	if end > len(c.log) {
		end = len(c.log)
	}
	page := remote.Page{NextCursor: strconv.Itoa(end)}
	for _, id := range c.log[off:end] {
		page.Items = append(page.Items, c.records[id])
	}
	return page, nil
}

func (c *Client) Upsert(ctx context.Context, h models.CloudHazard) (models.CloudHazard, error) {
	if err := c.before("upsert", h.ID); err != nil {
		return models.CloudHazard{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.records[h.ID]; ok {
		if prev.Confirmations > h.Confirmations {
			h.Confirmations = prev.Confirmations
		}
		if prev.Version >= h.Version {
			h.Version = prev.Version + 1
		}
	}
	h.ServerTimestamp = c.now()
	c.records[h.ID] = h
	c.log = append(c.log, h.ID)
	c.calls = append(c.calls, "upsert:"+h.ID)
	return h, nil
}

func (c *Client) Resolve(ctx context.Context, id string) (models.CloudHazard, error) {
	if err := c.before("resolve", id); err != nil {
		return models.CloudHazard{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.records[id]
	if !ok {
		c.calls = append(c.calls, "resolve:"+id)
		return models.CloudHazard{}, errors.Wrapf(remote.ErrNotFound, "id=%s", id)
	}
	now := c.now()
	h.Status = models.StatusResolved
	h.UpdatedAt = now
	h.ServerTimestamp = now
	h.Version++
	c.records[id] = h
	c.log = append(c.log, id)
	c.calls = append(c.calls, "resolve:"+id)
	return h, nil
}
