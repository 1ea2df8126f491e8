package hazards_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/BearBump/HazardBox/internal/geo"
	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/services/alerts"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type HazardService interface {
	Report(ctx context.Context, kind models.Kind, c models.Coordinate, severity int) (*models.HazardRecord, error)
	Resolve(ctx context.Context, id string) error
	Get(id string) (*models.HazardRecord, error)
	Query(b models.Bounds) []*models.HazardRecord
}

type AlertSession interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Status() alerts.Status
}

type Trigger interface {
	Trigger()
}

// ClientLimiter decides whether client may submit another report.
type ClientLimiter interface {
	Allow(ctx context.Context, client string) (bool, int64, error)
}

type HazardsAPI struct {
	svc     HazardService
	session AlertSession
	sync    Trigger
	outbox  Trigger
	logger  *slog.Logger

	validate  *validator.Validate
	global    *rate.Limiter
	perClient ClientLimiter
	sim       DeviceSimulator
}

func New(svc HazardService, session AlertSession, sync, outbox Trigger, logger *slog.Logger) *HazardsAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &HazardsAPI{
		svc:      svc,
		session:  session,
		sync:     sync,
		outbox:   outbox,
		logger:   logger,
		validate: validator.New(),
	}
}

// WithReportLimits throttles POST /v1/hazards. Either limiter may be nil.
func (a *HazardsAPI) WithReportLimits(global *rate.Limiter, perClient ClientLimiter) *HazardsAPI {
	a.global = global
	a.perClient = perClient
	return a
}

type ReportRequest struct {
	Kind     string   `json:"kind" validate:"required,max=32"`
	Lat      *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng      *float64 `json:"lng" validate:"required,min=-180,max=180"`
	Severity int      `json:"severity"`
}

type BoundsRequest struct {
	MinLat float64 `validate:"min=-90,max=90"`
	MinLng float64 `validate:"min=-180,max=180"`
	MaxLat float64 `validate:"min=-90,max=90,gtefield=MinLat"`
	MaxLng float64 `validate:"min=-180,max=180"`
}

type QueryResponse struct {
	Hazards []*models.HazardRecord `json:"hazards"`
	Total   int                    `json:"total"`
}

func (a *HazardsAPI) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.With(a.limitReports).Post("/hazards", a.report)
		r.Get("/hazards", a.query)
		r.Get("/hazards/{id}", a.get)
		r.Post("/hazards/{id}/resolve", a.resolve)

		r.Post("/session/start", a.startSession)
		r.Post("/session/stop", a.stopSession)
		r.Get("/session", a.sessionStatus)

		r.Post("/sync", a.triggerSync)
		r.Post("/outbox/trigger", a.triggerOutbox)

		if a.sim != nil {
			r.Route("/sim", a.simRoutes)
		}
	})
}

func (a *HazardsAPI) report(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rec, err := a.svc.Report(r.Context(), models.ParseKind(req.Kind), models.Coordinate{Lat: *req.Lat, Lng: *req.Lng}, req.Severity)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *HazardsAPI) resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.Resolve(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}

func (a *HazardsAPI) get(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *HazardsAPI) query(w http.ResponseWriter, r *http.Request) {
	req, err := parseBounds(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	b := models.Bounds{MinLat: req.MinLat, MinLng: req.MinLng, MaxLat: req.MaxLat, MaxLng: req.MaxLng}
	if !geo.ValidBounds(b) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bounds"})
		return
	}

	recs := a.svc.Query(b)
	if recs == nil {
		recs = []*models.HazardRecord{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Hazards: recs, Total: len(recs)})
}

func (a *HazardsAPI) startSession(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Start(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *HazardsAPI) stopSession(w http.ResponseWriter, r *http.Request) {
	a.session.Stop(r.Context())
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *HazardsAPI) sessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *HazardsAPI) triggerSync(w http.ResponseWriter, r *http.Request) {
	a.sync.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (a *HazardsAPI) triggerOutbox(w http.ResponseWriter, r *http.Request) {
	a.outbox.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (a *HazardsAPI) limitReports(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.global != nil && !a.global.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "report rate exceeded"})
			return
		}
		if a.perClient != nil {
			ok, _, err := a.perClient.Allow(r.Context(), clientID(r))
			if err != nil {
				// fail open when the limiter store is unreachable
				a.logger.Warn("report limiter", "error", err.Error())
			} else if !ok {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "report rate exceeded for client"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *HazardsAPI) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidCoordinate), errors.Is(err, models.ErrInvalidKind):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		a.logger.Error("request failed", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func parseBounds(r *http.Request) (BoundsRequest, error) {
	q := r.URL.Query()
	var out BoundsRequest
	fields := []struct {
		name string
		dst  *float64
	}{
		{"min_lat", &out.MinLat},
		{"min_lng", &out.MinLng},
		{"max_lat", &out.MaxLat},
		{"max_lng", &out.MaxLng},
	}
	for _, f := range fields {
		v := q.Get(f.name)
		if v == "" {
			return out, errors.Errorf("%s is required", f.name)
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return out, errors.Errorf("%s: not a number", f.name)
		}
		*f.dst = n
	}
	return out, nil
}

func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
