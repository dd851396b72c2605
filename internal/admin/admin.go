// Package admin serves the operational HTTP surface: health, partitions,
// query invalidation, warm triggers and metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache/internal/generation"
	"github.com/iTrooz/offline-cache/internal/query"
	"github.com/iTrooz/offline-cache/internal/strategy"
)

// Generations is the part of the generation store the admin surface uses
type Generations interface {
	Current() []generation.Generation
	Partitions(ctx context.Context) ([]string, error)
	ActivateNewVersion(ctx context.Context) ([]string, error)
	Entries(ctx context.Context, kind strategy.Kind) ([]string, error)
	Evict(ctx context.Context, kind strategy.Kind, identity string) error
}

// Queries is the part of the query cache the admin surface uses
type Queries interface {
	Invalidate(pattern query.Key) int
	State(key query.Key) query.State
	Len() int
}

// Warmer starts warm runs
type Warmer interface {
	Trigger() bool
}

// Handler holds the admin dependencies. Nil dependencies disable their routes.
type Handler struct {
	Generations Generations
	Queries     Queries
	Warmer      Warmer
	Metrics     http.Handler
}

// Router builds the admin routes
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/health", h.health)
	if h.Generations != nil {
		r.Get("/partitions", h.listPartitions)
		r.Post("/partitions/activate", h.activate)
		r.Get("/partitions/{kind}/entries", h.listEntries)
		r.Delete("/partitions/{kind}/entries", h.evict)
	}
	if h.Queries != nil {
		r.Post("/queries/invalidate", h.invalidate)
		r.Get("/queries/*", h.queryState)
	}
	if h.Warmer != nil {
		r.Post("/warm", h.warm)
	}
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.Queries != nil {
		resp["queries"] = h.Queries.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listPartitions(w http.ResponseWriter, r *http.Request) {
	names, err := h.Generations.Partitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	current := make([]string, 0, 3)
	for _, g := range h.Generations.Current() {
		current = append(current, g.Name())
	}
	writeJSON(w, http.StatusOK, map[string]any{"current": current, "partitions": names})
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Generations.ActivateNewVersion(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func partitionKind(r *http.Request) (strategy.Kind, error) {
	kind := strategy.Kind(chi.URLParam(r, "kind"))
	for _, k := range strategy.Kinds {
		if k == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown partition kind: %s", kind)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	kind, err := partitionKind(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	entries, err := h.Generations.Entries(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "entries": entries})
}

type evictRequest struct {
	Identity string `json:"identity"`
}

func (h *Handler) evict(w http.ResponseWriter, r *http.Request) {
	kind, err := partitionKind(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var req evictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("identity must not be empty"))
		return
	}
	if err := h.Generations.Evict(r.Context(), kind, req.Identity); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": req.Identity})
}

type invalidateRequest struct {
	Key []string `json:"key"`
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if len(req.Key) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("key must not be empty"))
		return
	}
	removed := h.Queries.Invalidate(query.Key(req.Key))
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handler) queryState(w http.ResponseWriter, r *http.Request) {
	key := query.ParseKey(chi.URLParam(r, "*"))
	if len(key) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("key must not be empty"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": []string(key), "state": h.Queries.State(key)})
}

func (h *Handler) warm(w http.ResponseWriter, r *http.Request) {
	started := h.Warmer.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": started})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("Admin request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to write admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve serves the router on ln until ctx is cancelled
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logrus.Infof("Starting admin server on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
