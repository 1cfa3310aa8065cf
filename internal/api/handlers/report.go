package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/reporting"
	rediscache "github.com/testforge/autopilot/internal/repository/redis"
	"github.com/testforge/autopilot/pkg/httputil"
)

// ReportHandler handles report reads
type ReportHandler struct {
	store  *reporting.Store
	cache  *rediscache.Cache
	logger *zap.Logger
}

// NewReportHandler creates a new report handler
func NewReportHandler(store *reporting.Store, cache *rediscache.Cache, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{store: store, cache: cache, logger: logger}
}

// List handles GET /agent/reports
func (h *ReportHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	summaries, err := h.store.List(limit)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, summaries)
}

// Get handles GET /agent/reports/{id}
func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.cache != nil {
		if report, err := h.cache.GetReport(r.Context(), id); err == nil && report != nil {
			httputil.JSON(w, http.StatusOK, report)
			return
		}
	}

	report, err := h.store.Load(id)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetReport(r.Context(), report); err != nil {
			h.logger.Debug("caching report failed", zap.String("report_id", id), zap.Error(err))
		}
	}
	httputil.JSON(w, http.StatusOK, report)
}
