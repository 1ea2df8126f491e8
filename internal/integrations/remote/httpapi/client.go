package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BearBump/HazardBox/internal/integrations/remote"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// WithRateLimit caps outgoing requests. rps <= 0 disables the limit.
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps <= 0 {
		c.limiter = nil
		return c
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

func (c *Client) FetchSince(ctx context.Context, cursor string, pageSize int) (remote.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if pageSize > 0 {
		q.Set("limit", strconv.Itoa(pageSize))
	}
	var page remote.Page
	if err := c.do(ctx, "fetch", http.MethodGet, "/v1/hazards/changes", q, nil, &page); err != nil {
		return remote.Page{}, err
	}
	return page, nil
}

func (c *Client) Upsert(ctx context.Context, h models.CloudHazard) (models.CloudHazard, error) {
	var out models.CloudHazard
	if err := c.do(ctx, "upsert", http.MethodPut, "/v1/hazards/"+url.PathEscape(h.ID), nil, h, &out); err != nil {
		return models.CloudHazard{}, err
	}
	return out, nil
}

func (c *Client) Resolve(ctx context.Context, id string) (models.CloudHazard, error) {
	var out models.CloudHazard
	if err := c.do(ctx, "resolve", http.MethodPost, "/v1/hazards/"+url.PathEscape(id)+"/resolve", nil, nil, &out); err != nil {
		return models.CloudHazard{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limit wait")
		}
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u = u.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal body")
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(remote.ErrNotFound, "%s %s", method, path)
	}
	if resp.StatusCode/100 != 2 {
		return &remote.StatusError{Op: op, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
