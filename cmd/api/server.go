package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/alejomeek/productos-railway-api/engine/cache"
	"github.com/alejomeek/productos-railway-api/engine/catalog"
	"github.com/alejomeek/productos-railway-api/engine/search"
	"github.com/alejomeek/productos-railway-api/pkg/mid"
)

// Client-facing messages.
const (
	msgQueryRequired = "Query requerido"
	msgNotReady      = "Cache aún no está listo, intenta en unos segundos"
	msgInternal      = "Error interno del servidor"
	refreshOK        = "Cache refrescado exitosamente"
)

// server holds the HTTP handlers.
type server struct {
	coord     *cache.Coordinator
	search    *search.Service
	refresher *refresher
	met       *apiMetrics
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// routes returns the full handler, middleware included.
func (s *server) routes(corsOrigin, serviceName string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /api/search", mid.RateLimit(s.limiter)(http.HandlerFunc(s.handleSearch)))
	mux.HandleFunc("POST /api/refresh-cache", s.handleRefresh)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.Handle("GET /metrics", s.met.reg.Handler())

	// Metrics sits closest to the mux so it sees the matched pattern.
	return mid.Chain(mux,
		mid.Recover(s.logger),
		mid.Logger(s.logger),
		mid.CORS(corsOrigin),
		mid.OTel(serviceName),
		mid.Metrics(s.met.reg),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// healthResponse flattens the cache stats next to the status.
type healthResponse struct {
	Status string `json:"status"`
	catalog.Stats
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "initializing"
	if s.coord.Ready() {
		status = "ok"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Stats: s.coord.Stats()})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

// searchRequest is the JSON body for POST /api/search. Omitted topK and
// threshold take the service defaults.
type searchRequest struct {
	Query     string   `json:"query"`
	TopK      *int     `json:"topK,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	Query string `json:"query"`
	search.Response
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.met.observeSearch(nil, "bad_request")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgQueryRequired, Message: err.Error()})
		return
	}

	topK, threshold := s.search.Options().Normalize(req.TopK, req.Threshold)
	resp, err := s.search.Search(r.Context(), req.Query, topK, threshold)
	switch {
	case errors.Is(err, catalog.ErrEmptyQuery):
		s.met.observeSearch(nil, "bad_request")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgQueryRequired})
	case errors.Is(err, catalog.ErrNotReady):
		s.met.observeSearch(nil, "not_ready")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msgNotReady})
	case err != nil:
		s.met.observeSearch(nil, "error")
		s.logger.Error("search failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgInternal, Message: err.Error()})
	default:
		s.met.observeSearch(resp, "ok")
		writeJSON(w, http.StatusOK, searchResponse{Query: strings.TrimSpace(req.Query), Response: *resp})
	}
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort a reload that is half done.
	ctx := context.WithoutCancel(r.Context())

	stats, err := s.refresher.reload(ctx, triggerHTTP)
	switch {
	case errors.Is(err, catalog.ErrReloadInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, refreshReply{Success: true, Message: refreshOK, Stats: &stats})
	}
}
