package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RomainBuono/Emergency-manager/internal/audit"
	"github.com/RomainBuono/Emergency-manager/internal/guard"
	"github.com/RomainBuono/Emergency-manager/internal/otel"
	"github.com/RomainBuono/Emergency-manager/internal/rag"
	"github.com/RomainBuono/Emergency-manager/internal/state"
)

func protocolID(resp *rag.Response) string {
	if resp.Protocol != nil {
		return resp.Protocol.ID
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{"query_engine": "ok"}
		if s.auditStore == nil {
			components["audit_store"] = "disabled"
		} else {
			components["audit_store"] = "ok"
		}
		if s.stateStore.Current() == nil {
			components["department_state"] = "not loaded"
		} else {
			components["department_state"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type queryRequest struct {
	Query       string           `json:"query"`
	WaitMinutes int              `json:"wait_minutes"`
	Resources   []guard.Resource `json:"resources,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	resp, err := s.engine.Query(r.Context(), req.Query, guard.QueryContext{
		WaitMinutes: req.WaitMinutes,
		Resources:   req.Resources,
	})
	if err != nil {
		log.Error().Err(err).Func(otel.LogTraceFields(r.Context())).Msg("query pipeline failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "query pipeline failed")
		return
	}

	s.recordQuery(r, "query", req.Query, resp.Verdict, protocolID(resp), resp.Latency)
	writeJSON(w, http.StatusOK, resp)
}

type intentRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	start := time.Now()
	res, err := s.resolver.Resolve(r.Context(), req.Text)
	if err != nil {
		log.Error().Err(err).Func(otel.LogTraceFields(r.Context())).Msg("intent resolution failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "intent resolution failed")
		return
	}

	verdict := guard.Verdict{Allowed: !res.Blocked}
	if res.Blocked {
		verdict.Stage = guard.StagePattern
		verdict.Reason = res.Reason
	}
	s.recordQuery(r, "intent", req.Text, verdict, "", time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	snap := s.stateStore.Current()
	if snap == nil {
		writeError(w, http.StatusConflict, "no_state", "no department snapshot loaded")
		return
	}

	dec, err := s.orch.Cycle(r.Context(), snap)
	if err != nil {
		log.Error().Err(err).Func(otel.LogTraceFields(r.Context())).Msg("decision cycle failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "decision cycle failed")
		return
	}

	if s.auditStore != nil {
		if err := s.auditStore.RecordDecision(r.Context(), dec); err != nil {
			log.Error().Err(err).Str("decision_id", dec.ID).Msg("recording decision failed")
		}
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.stateStore.Current()
	if snap == nil {
		writeError(w, http.StatusConflict, "no_state", "no department snapshot loaded")
		return
	}

	inCare := 0
	for _, p := range snap.Patients {
		switch p.Status {
		case state.StatusInConsult, state.StatusTransportToConsult, state.StatusTransportToUnit:
			inCare++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taken_at":         snap.TakenAt,
		"patients_total":   len(snap.Patients),
		"patients_waiting": len(snap.Waiting()),
		"patients_in_care": inCare,
		"staff_available":  len(snap.AvailableStaff("")),
		"rooms_free":       len(snap.FreeRooms("")),
	})
}

func (s *Server) handleStateReplace(w http.ResponseWriter, r *http.Request) {
	var snap state.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	if err := s.stateStore.Replace(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusNotFound, "audit_disabled", "audit store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.auditStore.ListQueries(r.Context(), r.URL.Query().Get("stage"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "listing audit records failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (s *Server) handleAuditDecisions(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusNotFound, "audit_disabled", "audit store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	decisions, err := s.auditStore.ListDecisions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "listing decisions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions, "count": len(decisions)})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusNotFound, "audit_disabled", "audit store not configured")
		return
	}
	rec, err := s.auditStore.GetQuery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) recordQuery(r *http.Request, kind, query string, verdict guard.Verdict, protocol string, latency time.Duration) {
	if s.auditStore == nil {
		return
	}
	rec := &audit.QueryRecord{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Query:     query,
		Verdict:   verdict,
		Protocol:  protocol,
		LatencyMS: latency.Milliseconds(),
	}
	if err := s.auditStore.RecordQuery(r.Context(), rec); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("recording query audit failed")
	}
}
