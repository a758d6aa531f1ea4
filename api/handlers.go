package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vinayprograms/agentwatch/alert"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
)

// AgentView is a record with its derived health verdict.
type AgentView struct {
	liveness.Record
	Healthy         bool      `json:"healthy"`
	Deadline        time.Time `json:"deadline"`
	MissedIntervals int64     `json:"missed_intervals"`
}

// ReportResponse answers a report POST.
type ReportResponse struct {
	AgentID         string `json:"agent_id"`
	IsNew           bool   `json:"is_new"`
	RestartDetected bool   `json:"restart_detected"`
	Healthy         bool   `json:"healthy"`
}

// StatsResponse answers GET /api/v1/stats.
type StatsResponse struct {
	Agents     liveness.Stats    `json:"agents"`
	Queue      *alert.QueueStats `json:"queue,omitempty"`
	Suppressed int               `json:"suppressed"`
}

type errorResponse struct {
	Error *errors.Error `json:"error"`
}

func (s *Server) view(rec liveness.Record, now time.Time) AgentView {
	return AgentView{
		Record:          rec,
		Healthy:         rec.Healthy(now),
		Deadline:        rec.Deadline(),
		MissedIntervals: rec.MissedIntervals(now),
	}
}

func (s *Server) postReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, errors.InvalidInput("reading report body", errors.WithCause(err)))
		return
	}

	res, err := s.cfg.Ingest.Ingest(r.Context(), id, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{
		AgentID:         res.Record.AgentID,
		IsNew:           res.IsNew,
		RestartDetected: res.RestartDetected,
		Healthy:         res.Record.Healthy(s.cfg.Clock.Now()),
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	recs := s.cfg.Store.ListAgents()
	sort.Slice(recs, func(i, j int) bool { return recs[i].AgentID < recs[j].AgentID })

	now := s.cfg.Clock.Now()
	out := make([]AgentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.view(rec, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.cfg.Store.GetAgent(id)
	if !ok {
		writeError(w, errors.NotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec, s.cfg.Clock.Now()))
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.cfg.Store.RemoveAgent(id) {
		writeError(w, errors.NotFound(id))
		return
	}
	s.log.Info("agent removed", logging.Fields{"agent": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Agents: s.cfg.Store.Stats()}
	if s.cfg.Queue != nil {
		qs := s.cfg.Queue.QueueStats()
		resp.Queue = &qs
	}
	if s.cfg.Suppression != nil {
		resp.Suppressed = len(s.cfg.Suppression.Suppressed())
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	e := errors.As(err)
	if e == nil {
		e = errors.Wrap(err, "internal error")
	}
	writeJSON(w, errors.HTTPStatus(e.Code()), errorResponse{Error: e})
}
