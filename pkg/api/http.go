// Package api exposes the operational endpoints of the quality service:
// recomputation triggers, score history, alert handling and query resolution.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/trialquality/pkg/alerting"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
	"github.com/synaptica-ai/trialquality/pkg/pipeline"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

// MetricsReader serves cached site snapshots. A miss of any kind falls back
// to computing the snapshot from the store.
type MetricsReader interface {
	GetSiteMetrics(ctx context.Context, siteID uuid.UUID) (models.SiteMetrics, error)
}

type Handler struct {
	coord *pipeline.Coordinator
	store *records.Store
	cache MetricsReader
}

func NewHandler(coord *pipeline.Coordinator, cache MetricsReader) *Handler {
	return &Handler{coord: coord, store: coord.Store(), cache: cache}
}

func (h *Handler) Register(r *mux.Router) {
	r.Use(Actor)
	r.HandleFunc("/sites/dqi/recompute", h.handleRecomputeAll).Methods(http.MethodPost)
	r.HandleFunc("/sites/{id}/dqi", h.handleRecomputeSite).Methods(http.MethodPost)
	r.HandleFunc("/sites/{id}/dqi/history", h.handleDQIHistory).Methods(http.MethodGet)
	r.HandleFunc("/sites/{id}/metrics", h.handleSiteMetrics).Methods(http.MethodGet)
	r.HandleFunc("/sites/{id}/alerts", h.handleListAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/resolve-all", h.handleResolveAll).Methods(http.MethodPost)
	r.HandleFunc("/alerts/resolved", h.handleDeleteResolved).Methods(http.MethodDelete)
	r.HandleFunc("/alerts/{id}/resolve", h.handleResolveAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/action", h.handleAlertAction).Methods(http.MethodPost)
	r.HandleFunc("/patients/{id}", h.handleGetPatient).Methods(http.MethodGet)
	r.HandleFunc("/patients/{id}/queries/resolve", h.handleBulkResolve).Methods(http.MethodPost)
	r.HandleFunc("/queries/{id}/resolve", h.handleResolveQuery).Methods(http.MethodPost)
	r.HandleFunc("/labs/{id}/request", h.handleRequestLab).Methods(http.MethodPost)
	r.HandleFunc("/studies/{study}/summary", h.handleStudySummary).Methods(http.MethodGet)
	r.HandleFunc("/studies/{study}/uploads", h.handleListUploads).Methods(http.MethodGet)
}

func (h *Handler) handleRecomputeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.coord.RecomputeAllActiveSites(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to recompute sites")
		http.Error(w, "failed to recompute sites", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recomputed": n})
}

func (h *Handler) handleRecomputeSite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "site")
	if !ok {
		return
	}
	result, err := h.coord.RecomputeSite(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to recompute site")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDQIHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "site")
	if !ok {
		return
	}
	if _, err := h.store.GetSite(r.Context(), id); err != nil {
		writeError(w, err, "failed to load site")
		return
	}
	history, err := h.store.DQIHistory(r.Context(), id, parseLimit(r, 50))
	if err != nil {
		writeError(w, err, "failed to list dqi history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": history})
}

func (h *Handler) handleSiteMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "site")
	if !ok {
		return
	}
	if h.cache != nil {
		if cached, err := h.cache.GetSiteMetrics(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	snapshot, err := h.coord.SiteMetrics(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to build site metrics")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "site")
	if !ok {
		return
	}
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("include_resolved"))
	alerts, err := h.store.ListAlerts(r.Context(), id, includeResolved)
	if err != nil {
		writeError(w, err, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": alerts})
}

func (h *Handler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "alert")
	if !ok {
		return
	}
	var req models.ResolveAlertRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	alert, err := h.coord.Alerts().Resolve(r.Context(), id, resolveActor(r, req.ResolvedBy))
	if err != nil {
		writeError(w, err, "failed to resolve alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alert": alert})
}

func (h *Handler) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "alert")
	if !ok {
		return
	}
	var req models.ResolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	alert, err := h.coord.Alerts().RecordAction(r.Context(), id, resolveActor(r, req.ResolvedBy), req.ActionTaken)
	if err != nil {
		writeError(w, err, "failed to record alert action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alert": alert})
}

func (h *Handler) handleResolveAll(w http.ResponseWriter, r *http.Request) {
	var req models.ResolveAlertRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	n, err := h.coord.Alerts().ResolveAll(r.Context(), resolveActor(r, req.ResolvedBy))
	if err != nil {
		writeError(w, err, "failed to resolve alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": n})
}

func (h *Handler) handleDeleteResolved(w http.ResponseWriter, r *http.Request) {
	n, err := h.coord.Alerts().DeleteResolved(r.Context())
	if err != nil {
		writeError(w, err, "failed to delete alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

func (h *Handler) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patient")
	if !ok {
		return
	}
	patient, err := h.store.GetPatient(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to load patient")
		return
	}
	visits, err := h.store.ListVisits(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to list visits")
		return
	}
	queries, err := h.store.ListOpenQueries(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to list queries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient":      patient,
		"visits":       visits,
		"open_queries": queries,
	})
}

func (h *Handler) handleResolveQuery(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]
	id, err := uuid.Parse(ref)
	if err != nil {
		// Extract-assigned references such as "Q-1042" are accepted too.
		q, lookupErr := h.store.GetQueryByRef(r.Context(), ref)
		if lookupErr != nil {
			writeError(w, lookupErr, "failed to load query")
			return
		}
		id = q.ID
	}
	var req models.ResolveQueryRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	query, err := h.coord.ResolveQuery(r.Context(), id, req.ResponseText)
	if err != nil {
		writeError(w, err, "failed to resolve query")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"query": query})
}

func (h *Handler) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patient")
	if !ok {
		return
	}
	var req models.ResolveQueryRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	n, err := h.coord.BulkResolveQueries(r.Context(), id, req.ResponseText)
	if err != nil {
		writeError(w, err, "failed to resolve queries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": n})
}

func (h *Handler) handleRequestLab(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "lab")
	if !ok {
		return
	}
	alert, err := h.coord.RequestLabData(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to request lab data")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"alert": alert})
}

func (h *Handler) handleStudySummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	study, err := h.store.ResolveStudy(ctx, mux.Vars(r)["study"])
	if err != nil {
		writeError(w, err, "failed to load study")
		return
	}
	overall, err := h.store.StudyOverallDQI(ctx, study.ID)
	if err != nil {
		writeError(w, err, "failed to compute study dqi")
		return
	}
	clean, err := h.store.StudyCleanPatientPercentage(ctx, study.ID)
	if err != nil {
		writeError(w, err, "failed to compute clean patients")
		return
	}
	sites, err := h.store.ListSites(ctx, study.ID)
	if err != nil {
		writeError(w, err, "failed to list sites")
		return
	}

	summary := models.StudySummary{
		StudyID:             study.ID,
		Code:                study.Code,
		OverallDQI:          round(overall, 100),
		CleanPatientPercent: round(clean, 10),
		Sites:               make([]models.SiteMetrics, 0, len(sites)),
	}
	for _, site := range sites {
		m, err := h.coord.SiteMetrics(ctx, site.ID)
		if err != nil {
			writeError(w, err, "failed to build site metrics")
			return
		}
		summary.Sites = append(summary.Sites, m)
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListUploads(w http.ResponseWriter, r *http.Request) {
	study, err := h.store.ResolveStudy(r.Context(), mux.Vars(r)["study"])
	if err != nil {
		writeError(w, err, "failed to load study")
		return
	}
	uploads, err := h.store.ListUploads(r.Context(), study.ID, parseLimit(r, 50))
	if err != nil {
		writeError(w, err, "failed to list uploads")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": uploads})
}

func pathID(w http.ResponseWriter, r *http.Request, kind string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid "+kind+" id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, records.ErrAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, alerting.ErrActionRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Log.WithError(err).Error(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

// resolveActor prefers the explicit name in the body, then the identity
// stored by Actor.
func resolveActor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if user := actorFrom(r.Context()); user != "" {
		return user
	}
	return "system"
}

func round(v, scale float64) float64 {
	return math.Round(v*scale) / scale
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
