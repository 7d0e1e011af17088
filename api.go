package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/oszuidwest/zwfm-sounddose/internal/server"
	"github.com/oszuidwest/zwfm-sounddose/internal/sounddose"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

// parseJSON reads and parses JSON from request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := s.readJSON(r, &v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	return v, true
}

// handleHealth reports liveness.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// handleAPICsd returns the current dose summary.
// GET /api/csd
func (s *Server) handleAPICsd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.manager.Status())
}

// handleAPIRs2 returns or updates the momentary exposure threshold.
// GET /api/rs2, POST /api/rs2
func (s *Server) handleAPIRs2(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]float64{"rs2": s.manager.GetOutputRs2()})
	case http.MethodPost:
		req, ok := parseJSON[server.SetRs2Request](s, w, r)
		if !ok {
			return
		}
		if verr := server.ValidateStruct(&req); verr != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]*types.ValidationError{"error": verr})
			return
		}
		if err := s.manager.SetOutputRs2(*req.Rs2); err != nil {
			if errors.Is(err, sounddose.ErrInvalidArgument) {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.config.SetDefaultRs2(*req.Rs2); err != nil {
			slog.Warn("failed to persist RS2", "error", err)
		}
		s.writeJSON(w, http.StatusOK, map[string]float64{"rs2": *req.Rs2})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleAPIRecords returns the records inside the dose window.
// GET /api/records
func (s *Server) handleAPIRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]types.SoundDoseRecord{"records": s.manager.Records()})
}

// handleAPIDump returns the human-readable manager state.
// GET /api/dump
func (s *Server) handleAPIDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, s.manager.Dump()); err != nil {
		slog.Error("failed to write dump", "error", err)
	}
}
