package hazards_api

import (
	"encoding/json"
	"net/http"

	"github.com/BearBump/HazardBox/internal/models"
	"github.com/BearBump/HazardBox/internal/platform"
	"github.com/go-chi/chi/v5"
)

// DeviceSimulator drives the in-process platform the way a phone would.
type DeviceSimulator interface {
	Move(c models.Coordinate)
	SetLifecycle(lc platform.Lifecycle)
	SetAuthorization(a platform.Authorization)
	Enter(id string) error
}

// WithSimulator mounts /v1/sim. Without it the routes are not registered.
func (a *HazardsAPI) WithSimulator(sim DeviceSimulator) *HazardsAPI {
	a.sim = sim
	return a
}

type LocationRequest struct {
	Lat *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng *float64 `json:"lng" validate:"required,min=-180,max=180"`
}

type LifecycleRequest struct {
	Lifecycle string `json:"lifecycle" validate:"required,oneof=foreground background"`
}

type AuthorizationRequest struct {
	Authorization string `json:"authorization" validate:"required,oneof=authorized denied restricted not_determined"`
}

func (a *HazardsAPI) simRoutes(r chi.Router) {
	r.Post("/location", a.simLocation)
	r.Post("/lifecycle", a.simLifecycle)
	r.Post("/authorization", a.simAuthorization)
	r.Post("/regions/{id}/enter", a.simEnter)
}

func (a *HazardsAPI) simLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !a.decode(w, r, &req) {
		return
	}
	c := models.Coordinate{Lat: *req.Lat, Lng: *req.Lng}
	a.sim.Move(c)
	writeJSON(w, http.StatusAccepted, c)
}

func (a *HazardsAPI) simLifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.sim.SetLifecycle(platform.Lifecycle(req.Lifecycle))
	writeJSON(w, http.StatusAccepted, req)
}

func (a *HazardsAPI) simAuthorization(w http.ResponseWriter, r *http.Request) {
	var req AuthorizationRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.sim.SetAuthorization(platform.Authorization(req.Authorization))
	writeJSON(w, http.StatusAccepted, req)
}

func (a *HazardsAPI) simEnter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.sim.Enter(id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"regionId": id})
}

func (a *HazardsAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}
