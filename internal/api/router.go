// Package api exposes resolution and the solution store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/store"
	"github.com/sells-group/supplytree/internal/validation"
)

const maxBodyBytes = 8 << 20

// Resolver turns a design and a facility pool into a solution.
type Resolver interface {
	ResolveDesign(ctx context.Context, d *model.Design, facilities []model.Facility) (*model.SupplyTreeSolution, error)
}

// CircuitReporter is implemented by resolvers that call remote hosts; its
// breaker states are reported on /health.
type CircuitReporter interface {
	CircuitStates() map[string]string
}

// Options tunes the router.
type Options struct {
	DefaultTTLDays int
	AllowedOrigins []string
}

type handler struct {
	resolver Resolver
	store    store.SolutionStore
	ttlDays  int
}

// NewRouter builds the HTTP handler. st may be nil, in which case only
// /health and /resolve without saving are served.
func NewRouter(r Resolver, st store.SolutionStore, opts Options) http.Handler {
	h := &handler{resolver: r, store: st, ttlDays: opts.DefaultTTLDays}
	if h.ttlDays <= 0 {
		h.ttlDays = store.DefaultTTLDays
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	router.Get("/health", h.handleHealth)
	router.Post("/resolve", h.handleResolve)
	router.Post("/validate", h.handleValidate)
	router.Route("/solutions", func(sr chi.Router) {
		sr.Use(h.requireStore)
		sr.Get("/", h.handleList)
		sr.Get("/{id}", h.handleGet)
		sr.Post("/{id}/extend", h.handleExtend)
		sr.Delete("/{id}", h.handleDelete)
	})
	router.With(h.requireStore).Post("/cleanup", h.handleCleanup)
	return router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handler) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			writeError(w, http.StatusServiceUnavailable, "solution store is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if cr, ok := h.resolver.(CircuitReporter); ok {
		if states := cr.CircuitStates(); len(states) > 0 {
			body["circuits"] = states
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type resolveRequest struct {
	Design     *model.Design    `json:"design"`
	Facilities []model.Facility `json:"facilities"`
	Save       bool             `json:"save,omitempty"`
	TTLDays    *int             `json:"ttl_days,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
}

type resolveResponse struct {
	ID       string                    `json:"id,omitempty"`
	Solution *model.SupplyTreeSolution `json:"solution"`
}

func (h *handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Design.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Save && h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "solution store is not configured")
		return
	}

	sol, err := h.resolver.ResolveDesign(r.Context(), req.Design, req.Facilities)
	if err != nil {
		zap.L().Error("api: resolve failed", zap.String("design", req.Design.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := resolveResponse{Solution: sol}
	if req.Save {
		ttl := h.ttlDays
		if req.TTLDays != nil {
			ttl = *req.TTLDays
		}
		id, err := h.store.Save(r.Context(), sol, store.SaveOptions{TTLDays: ttl, Tags: req.Tags})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.ID = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var sol model.SupplyTreeSolution
	if !decodeBody(w, r, &sol) {
		return
	}
	writeJSON(w, http.StatusOK, validation.Validate(&sol))
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Tags:         q["tag"],
		DesignID:     q.Get("design_id"),
		IncludeStale: q.Get("include_stale") == "true",
		OnlyStale:    q.Get("only_stale") == "true",
	}
	var err error
	if v := q.Get("min_score"); v != "" {
		if filter.MinScore, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, http.StatusBadRequest, "min_score must be a number")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	metas, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"solutions": metas, "count": len(metas)})
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fresh := r.URL.Query().Get("fresh") == "true"

	sol, meta, err := h.store.LoadWithMetadata(r.Context(), id, fresh)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"solution": sol, "metadata": meta})
}

func (h *handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Days int `json:"days"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}

	ok, err := h.store.ExtendTTL(r.Context(), id, req.Days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "solution not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "extended": true})
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "solution not found: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var opts store.CleanupOptions
	if r.ContentLength != 0 {
		var req struct {
			MaxAgeDays int  `json:"max_age_days"`
			DryRun     bool `json:"dry_run"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		opts = store.CleanupOptions{MaxAgeDays: req.MaxAgeDays, DryRun: req.DryRun}
	}

	res, err := h.store.Cleanup(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case eris.Is(err, store.ErrStale):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
