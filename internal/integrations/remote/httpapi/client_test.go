package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/HazardBox/internal/integrations/remote"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/hazards/changes", r.URL.Path)
		require.Equal(t, "c1", r.URL.Query().Get("cursor"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "items": [
    {"id":"h1","kind":"pothole","coordinate":{"lat":49.28,"lng":-123.12},"severity":4,"confirmations":3,
     "createdAt":"2026-01-01T00:00:00Z","updatedAt":"2026-01-02T00:00:00Z","status":"active","version":5,
     "serverTimestamp":"2026-01-02T00:00:01Z"}
  ],
  "nextCursor": "c2"
}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", "k", time.Second)
	page, err := c.FetchSince(context.Background(), "c1", 50)
	require.NoError(t, err)
	require.Equal(t, "c2", page.NextCursor)
	require.Len(t, page.Items, 1)
	require.Equal(t, models.KindPothole, page.Items[0].Kind)
	require.Equal(t, time.Date(2026, 1, 2, 0, 0, 1, 0, time.UTC), page.Items[0].ServerTimestamp)
}

func TestClient_FetchSince_FirstPageOmitsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.URL.Query()["cursor"]
		require.False(t, ok)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "", time.Second).FetchSince(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Equal(t, "", page.NextCursor)
}

func TestClient_Upsert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/hazards/h1", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in models.CloudHazard
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in.ServerTimestamp = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	out, err := New(srv.URL, "", time.Second).Upsert(context.Background(), models.CloudHazard{ID: "h1", Severity: 2})
	require.NoError(t, err)
	require.Equal(t, 2, out.Severity)
	require.False(t, out.ServerTimestamp.IsZero())
}

func TestClient_ResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/hazards/h%2F1/resolve", r.URL.EscapedPath())
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Resolve(context.Background(), "h/1")
	require.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestClient_ServerErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Upsert(context.Background(), models.CloudHazard{ID: "x"})
	var se *remote.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.Code)
	require.True(t, se.Temporary())
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second).WithRateLimit(0.001, 1)
	_, err := c.Upsert(context.Background(), models.CloudHazard{ID: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Upsert(ctx, models.CloudHazard{ID: "b"})
	require.Error(t, err)
}
