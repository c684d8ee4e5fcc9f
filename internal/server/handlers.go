package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/engram/internal/memory"
	"github.com/dativo-io/engram/internal/otel"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *memory.ValidationError
	var cerr *memory.ConnectionError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, memory.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, memory.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, "unsupported", err.Error())
	case errors.As(err, &cerr):
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", cerr.Error())
	default:
		log.Error().Err(err).Func(otel.LogTraceFields(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// agentIDFrom resolves the calling agent from the X-Agent-ID header or the
// agent_id query parameter.
func agentIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Agent-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("agent_id")
}

func limitFrom(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.lifecycle != nil {
		if err := s.lifecycle.Health(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["backend"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["backend"] = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var rec memory.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if rec.AgentID == "" {
		rec.AgentID = agentIDFrom(r)
	}
	if err := s.engine.Store(r.Context(), &rec); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	rec, err := s.engine.Get(r.Context(), agentID, chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	if err := s.engine.Delete(r.Context(), agentID, chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retrieveRequest struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.AgentID == "" {
		req.AgentID = agentIDFrom(r)
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	recs, err := s.engine.Retrieve(r.Context(), req.AgentID, req.Query, req.Limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": recs, "count": len(recs)})
}

type searchRequest struct {
	AgentID   string    `json:"agent_id"`
	Query     string    `json:"query,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Limit     int       `json:"limit"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.AgentID == "" {
		req.AgentID = agentIDFrom(r)
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}

	var recs []memory.Record
	var err error
	if len(req.Embedding) > 0 {
		recs, err = s.engine.Search(r.Context(), req.AgentID, req.Embedding, req.Limit)
	} else if req.Query != "" {
		recs, err = s.engine.SearchQuery(r.Context(), req.AgentID, req.Query, req.Limit)
	} else {
		writeError(w, http.StatusBadRequest, "invalid_request", "query or embedding is required")
		return
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": recs, "count": len(recs)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	stats, err := s.engine.Stats(r.Context(), agentID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule memory.ConsolidationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if rule.AgentID == "" {
		rule.AgentID = agentIDFrom(r)
	}
	if err := s.engine.AddRule(r.Context(), &rule); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	rules, err := s.engine.Rules(r.Context(), agentID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "count": len(rules)})
}

func (s *Server) handleAddStrategy(w http.ResponseWriter, r *http.Request) {
	var strat memory.ArchivalStrategy
	if err := json.NewDecoder(r.Body).Decode(&strat); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if strat.AgentID == "" {
		strat.AgentID = agentIDFrom(r)
	}
	if err := s.engine.AddStrategy(r.Context(), &strat); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, strat)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	strategies, err := s.engine.Strategies(r.Context(), agentID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": strategies, "count": len(strategies)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	entries, err := s.engine.History(r.Context(), agentID, limitFrom(r, 100))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries, "count": len(entries)})
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	archives, err := s.engine.Archives(r.Context(), agentID, limitFrom(r, 100))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"archives": archives, "count": len(archives)})
}

type shareRequest struct {
	AgentID     string   `json:"agent_id"`
	MemoryID    string   `json:"memory_id"`
	Permissions []string `json:"permissions"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.AgentID == "" {
		req.AgentID = agentIDFrom(r)
	}
	if req.AgentID == "" || req.MemoryID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id and memory_id are required")
		return
	}
	entry, err := s.engine.Share(r.Context(), req.AgentID, req.MemoryID, req.Permissions)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}
	entries, err := s.engine.SharedMemories(r.Context(), agentID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shared": entries, "count": len(entries)})
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	agentID := agentIDFrom(r)
	memoryID := r.URL.Query().Get("memory_id")
	if agentID == "" || memoryID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id and memory_id are required")
		return
	}
	if err := s.engine.Unshare(r.Context(), agentID, memoryID); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
