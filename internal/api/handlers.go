package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"relayer-monitor/internal/alerting"
	"relayer-monitor/internal/auth"
	"relayer-monitor/internal/balance"
	"relayer-monitor/internal/collector"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/fetcher"
	"relayer-monitor/internal/service"
	"relayer-monitor/internal/storage"
)

// Backend is the service surface the routes consume.
type Backend interface {
	Dashboard(ctx context.Context) (service.Dashboard, error)
	Balances(ctx context.Context, chainID string) ([]balance.ChainGroup, error)
	Health(ctx context.Context) service.HealthReport
	TriggerAlert(ctx context.Context, in service.ManualAlert) (storage.AlertRecord, alerting.Outcome, error)
	Alerts(ctx context.Context, limit int) ([]storage.AlertRecord, error)
	Acknowledge(ctx context.Context, id int64, user string) (storage.AlertRecord, error)
	Sources(ctx context.Context) ([]storage.MetricSource, error)
	SaveSource(ctx context.Context, in service.SourceInput) (storage.MetricSource, error)
	DeleteSource(ctx context.Context, id int64) error
	Collect(ctx context.Context, id int64) (collector.Result, error)
	Thresholds() config.Thresholds
	SetThresholds(ctx context.Context, t config.Thresholds) error
	ResolveDecimals(ctx context.Context, chainID, denom string, refresh bool) (int, error)
	Preferences(ctx context.Context, id auth.Identity) (storage.NotificationPreference, error)
	SetPreferences(ctx context.Context, id auth.Identity, in service.PreferenceInput) (storage.NotificationPreference, error)
}

var _ Backend = (*service.Service)(nil)

type handlers struct {
	backend Backend
	logger  zerolog.Logger
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", service.ErrInvalid)
	}
	return id, nil
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	report := h.backend.Health(r.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: true, Data: report})
}

func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.backend.Dashboard(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, dash)
}

func (h *handlers) balances(w http.ResponseWriter, r *http.Request) {
	groups, err := h.backend.Balances(r.Context(), r.URL.Query().Get("chain"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, groups)
}

func (h *handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := h.backend.Alerts(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, alerts)
}

type triggerResponse struct {
	Alert   storage.AlertRecord `json:"alert"`
	Outcome alerting.Outcome    `json:"outcome"`
}

func (h *handlers) triggerAlert(w http.ResponseWriter, r *http.Request) {
	var req service.ManualAlert
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rec, outcome, err := h.backend.TriggerAlert(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, triggerResponse{Alert: rec, Outcome: outcome})
}

func (h *handlers) acknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.backend.Acknowledge(r.Context(), id, identity(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

func (h *handlers) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.backend.Sources(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sources)
}

type sourceRequest struct {
	Name                   string `json:"name"`
	URL                    string `json:"url"`
	Kind                   string `json:"kind"`
	AuthMode               string `json:"authMode"`
	Credentials            string `json:"credentials"`
	RefreshIntervalSeconds int    `json:"refreshIntervalSeconds"`
	TimeoutSeconds         int    `json:"timeoutSeconds"`
}

func (h *handlers) saveSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	src, err := h.backend.SaveSource(r.Context(), service.SourceInput{
		Name:            req.Name,
		URL:             req.URL,
		Kind:            req.Kind,
		AuthMode:        req.AuthMode,
		Credentials:     req.Credentials,
		RefreshInterval: time.Duration(req.RefreshIntervalSeconds) * time.Second,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, src)
}

func (h *handlers) deleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.backend.DeleteSource(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"id": id})
}

type collectResponse struct {
	collector.Result
	Error string `json:"error,omitempty"`
}

// collect reports a failed fetch as an empty successful result so "no data"
// is distinguishable from a rejected request. Credential rejections surface
// as 502.
func (h *handlers) collect(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.backend.Collect(r.Context(), id)
	if err != nil {
		var fe *fetcher.FetchError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.fail(w, r, err)
			return
		case errors.As(err, &fe) && fe.Unauthorized():
			writeError(w, http.StatusBadGateway, fetcher.Describe(err))
			return
		}
		if res.Balances == nil {
			res.Balances = []balance.Balance{}
		}
		writeData(w, http.StatusOK, collectResponse{Result: res, Error: fetcher.Describe(err)})
		return
	}
	writeData(w, http.StatusOK, collectResponse{Result: res})
}

func (h *handlers) getThresholds(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, h.backend.Thresholds())
}

func (h *handlers) setThresholds(w http.ResponseWriter, r *http.Request) {
	var t config.Thresholds
	if err := decode(r, &t); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.backend.SetThresholds(r.Context(), t); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, h.backend.Thresholds())
}

type decimalsResponse struct {
	Chain    string `json:"chain"`
	Denom    string `json:"denom"`
	Decimals int    `json:"decimals"`
}

func (h *handlers) resolveDecimals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refresh, _ := strconv.ParseBool(q.Get("refresh"))
	d, err := h.backend.ResolveDecimals(r.Context(), q.Get("chain"), q.Get("denom"), refresh)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, decimalsResponse{Chain: q.Get("chain"), Denom: q.Get("denom"), Decimals: d})
}

func (h *handlers) getPreferences(w http.ResponseWriter, r *http.Request) {
	pref, err := h.backend.Preferences(r.Context(), identity(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pref)
}

func (h *handlers) setPreferences(w http.ResponseWriter, r *http.Request) {
	var req service.PreferenceInput
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	pref, err := h.backend.SetPreferences(r.Context(), identity(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pref)
}
