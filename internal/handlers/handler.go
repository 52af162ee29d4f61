package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sdko-org/scanperf/internal/app"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/database"
	"github.com/sdko-org/scanperf/internal/memory"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPageSize = 20

// OpsHandler serves read-mostly operational endpoints over one app instance.
type OpsHandler struct {
	app *app.App
	log *logrus.Entry
}

func NewOpsHandler(logger *logrus.Logger, a *app.App) *OpsHandler {
	return &OpsHandler{
		app: a,
		log: logger.WithField("component", "ops_handler"),
	}
}

func (h *OpsHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Cache.Stats())
}

func (h *OpsHandler) MemoryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.MemoryStatistics())
}

func (h *OpsHandler) QueryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        h.app.Queries.Stats(),
		"slow_queries": h.app.Queries.SlowQueries(),
		"analysis":     h.app.Queries.AnalyzeSlowQueries(),
	})
}

// queryInt reads an integer query parameter. Malformed values fall back to
// def; range clamping is left to the paginator.
func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

func (h *OpsHandler) RecentScans(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", defaultPageSize)

	result, err := h.app.Paginate(r.Context(), database.RecentScansQuery, size, page, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to load recent scans")
		writeError(w, http.StatusInternalServerError, "failed to load recent scans")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *OpsHandler) ScanDetail(w http.ResponseWriter, r *http.Request) {
	scanID := mux.Vars(r)["id"]

	summary, err := h.app.Summaries.Get(r.Context(), scanID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "scan not found")
	case err != nil:
		h.log.WithError(err).WithField("scan_id", scanID).Error("Failed to load scan")
		writeError(w, http.StatusInternalServerError, "failed to load scan")
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (h *OpsHandler) FlushGroup(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	if !cache.KnownGroup(group) {
		writeError(w, http.StatusNotFound, "unknown cache group")
		return
	}

	if err := h.app.FlushGroup(r.Context(), group); err != nil {
		h.log.WithError(err).WithField("group", group).Error("Cache flush failed")
		writeError(w, http.StatusInternalServerError, "cache flush failed")
		return
	}

	h.log.WithField("group", group).Info("Cache group flushed")
	writeJSON(w, http.StatusOK, map[string]string{"flushed": group})
}

func (h *OpsHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	strategy, err := memory.ParseStrategy(mux.Vars(r)["strategy"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.app.Memory.Optimize(r.Context(), strategy)
	if err != nil {
		h.log.WithError(err).WithField("strategy", strategy).Error("Memory optimization failed")
		writeError(w, http.StatusInternalServerError, "memory optimization failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"phase":  h.app.Scheduler.Phase(),
		"memory": h.app.Memory.State(),
	})
}
