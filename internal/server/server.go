// Package server provides the HTTP server and API handlers for the lineage
// service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/lineage-store/internal/config"
	"github.com/invisible-tech/lineage-store/internal/controller"
	"github.com/invisible-tech/lineage-store/internal/types"
	"github.com/invisible-tech/lineage-store/internal/version"
	"github.com/invisible-tech/lineage-store/pkg/export"
	"github.com/invisible-tech/lineage-store/pkg/forward"
	"github.com/invisible-tech/lineage-store/pkg/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 20

// Server is the HTTP server for the lineage API.
type Server struct {
	cfg        config.ServiceConfig
	controller *controller.Controller
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a new HTTP server that uses the given controller.
func New(cfg config.ServiceConfig, ctrl *controller.Controller, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, controller: ctrl, log: log}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/lineage/tree", s.handleLineage(ctrl.Tree))
	mux.HandleFunc("/api/v1/lineage/group", s.handleLineage(ctrl.Group))
	mux.HandleFunc("/api/v1/lineage/session", s.handleLineage(ctrl.Session))
	mux.HandleFunc("/api/v1/export", s.handleExport)
	mux.HandleFunc("/api/v1/forward", s.handleForward)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Lineage API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}

func queryID(r *http.Request) (uuid.UUID, error) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return uuid.Nil, errors.New("missing id parameter")
	}
	return uuid.Parse(raw)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.ingestEvents(w, r)
	case http.MethodGet:
		s.getEvent(w, r)
	case http.MethodDelete:
		s.controller.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request) {
	var req types.IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		n, err := s.controller.Enqueue(req.Events)
		if err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, store.ErrMalformedBatch) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, types.IngestResponse{Accepted: n, Queued: true})
		return
	}

	n, err := s.controller.Ingest(req.Events)
	switch {
	case errors.Is(err, store.ErrMalformedBatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrStoreFull):
		writeError(w, http.StatusInsufficientStorage, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.IngestResponse{Accepted: n})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.controller.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.NewRecordView(rec))
}

type lineageQuery func(uuid.UUID) (store.Record, []store.Record, error)

func (s *Server) handleLineage(query lineageQuery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		id, err := queryID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rec, related, err := query(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, types.LineageResponse{
			Record:  types.NewRecordView(rec),
			Related: types.NewRecordViews(related),
		})
	}
}

// decodeExport parses an export request body. An empty body exports
// everything as JSON lines.
func decodeExport(w http.ResponseWriter, r *http.Request) (types.ExportRequest, []uuid.UUID, export.Format, bool) {
	var req types.ExportRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return req, nil, 0, false
		}
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, nil, 0, false
	}
	ids, err := types.ParseIDs(req.IDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, nil, 0, false
	}
	return req, ids, format, true
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	req, ids, format, ok := decodeExport(w, r)
	if !ok {
		return
	}

	if req.File != "" {
		path, n, err := s.controller.ExportFile(r.Context(), ids, format, req.File)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, types.ExportResponse{Path: path, Bytes: n})
		return
	}

	content := s.controller.Export(r.Context(), ids, format)
	if format == export.FormatJSONLines {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	_, ids, format, ok := decodeExport(w, r)
	if !ok {
		return
	}
	n, err := s.controller.Forward(r.Context(), ids, format)
	switch {
	case errors.Is(err, forward.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.ExportResponse{Bytes: n})
}
