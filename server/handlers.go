package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petal-labs/grimoire/agent"
	"github.com/petal-labs/grimoire/bus"
	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/queue"
)

type healthResponse struct {
	Status   string     `json:"status"`
	AgentID  string     `json:"agentId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// handleHealth reports ok while the agent's last liveness ping is recent.
// Without a liveness store it always reports ok.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", AgentID: s.cfg.Agent.ID()}
	if s.cfg.Liveness == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	seen, err := s.cfg.Liveness.LastSeen(r.Context(), resp.AgentID)
	switch {
	case errors.Is(err, agent.ErrNeverSeen):
		resp.Status = "down"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	case err != nil:
		s.logger.Error("liveness lookup failed", "agent_id", resp.AgentID, "err", err)
		writeError(w, http.StatusInternalServerError, "LIVENESS_ERROR", err.Error())
		return
	}

	resp.LastSeen = &seen
	if s.cfg.Now().Sub(seen) > s.cfg.StaleAfter {
		resp.Status = "stale"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type nodeTypeResponse struct {
	Type     string        `json:"type"`
	Category string        `json:"category"`
	Label    string        `json:"label,omitempty"`
	Inputs   []core.Socket `json:"inputs"`
	Outputs  []core.Socket `json:"outputs"`
}

// handleNodeTypes lists the node types a newly loaded spell can use.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	reg, err := s.cfg.Agent.Registry()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "REGISTRY_ERROR", err.Error())
		return
	}
	defs := reg.NodeTypes()
	out := make([]nodeTypeResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, nodeTypeResponse{
			Type:     d.TypeName,
			Category: d.Category.String(),
			Label:    d.Label,
			Inputs:   d.Inputs(nil),
			Outputs:  d.Outputs(nil),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type spellSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Status       string `json:"status"`
	Busy         bool   `json:"busy"`
	Running      bool   `json:"running"`
	QueuedEvents int    `json:"queuedEvents"`
	Nodes        int    `json:"nodes"`
}

func (s *Server) summarize(id string) (spellSummary, bool) {
	sched, ok := s.cfg.Agent.Scheduler(id)
	if !ok {
		return spellSummary{}, false
	}
	sp := sched.Spell()
	return spellSummary{
		ID:           id,
		Name:         sp.Name,
		Status:       string(sched.Status()),
		Busy:         sched.IsBusy(),
		Running:      sched.IsRunning(),
		QueuedEvents: sched.QueuedEvents(),
		Nodes:        len(sp.Graph.Nodes),
	}, true
}

// handleListSpells lists the loaded spells.
func (s *Server) handleListSpells(w http.ResponseWriter, _ *http.Request) {
	ids := s.cfg.Agent.Spells()
	out := make([]spellSummary, 0, len(ids))
	for _, id := range ids {
		if sum, ok := s.summarize(id); ok {
			out = append(out, sum)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type spellDetail struct {
	spellSummary
	Spell graph.Spell `json:"spell"`
}

func (s *Server) handleGetSpell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sum, ok := s.summarize(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "spell "+id+" is not loaded")
		return
	}
	sched, _ := s.cfg.Agent.Scheduler(id)
	writeJSON(w, http.StatusOK, spellDetail{spellSummary: sum, Spell: sched.Spell()})
}

type putSpellResponse struct {
	ID       string             `json:"id"`
	Warnings []graph.Diagnostic `json:"warnings,omitempty"`
}

// handlePutSpell validates a spell against the agent registry, stores it
// when a spell store is configured and loads it, replacing a running spell
// with the same ID.
func (s *Server) handlePutSpell(w http.ResponseWriter, r *http.Request) {
	var sp graph.Spell
	if err := decodeJSONBody(r, &sp); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if sp.ID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "spell id is required")
		return
	}

	reg, err := s.cfg.Agent.Registry()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "REGISTRY_ERROR", err.Error())
		return
	}
	diags := sp.Graph.ValidateWithRegistry(reg)
	if graph.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "spell validation failed", diagMessages(diags)...)
		return
	}

	if s.cfg.Spells != nil {
		if err := s.cfg.Spells.Put(r.Context(), sp); err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
	}
	if err := s.cfg.Agent.LoadSpell(r.Context(), sp); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "LOAD_ERROR", err.Error())
		return
	}
	s.logger.Info("spell loaded over http", "spell_id", sp.ID, "warnings", len(diags))
	writeJSON(w, http.StatusOK, putSpellResponse{ID: sp.ID, Warnings: graph.Warnings(diags)})
}

type jobRequest struct {
	SpellID         string            `json:"spellId"`
	ComponentName   string            `json:"componentName"`
	Inputs          map[string]any    `json:"inputs"`
	Secrets         map[string]string `json:"secrets"`
	PublicVariables map[string]any    `json:"publicVariables"`
	RunSubspell     bool              `json:"runSubspell"`
}

// handleEnqueueJob queues a run job for this agent.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.RunSubspell && req.SpellID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "spellId is required when runSubspell is set")
		return
	}

	job := queue.NewJob(s.cfg.Agent.ID())
	job.SpellID = req.SpellID
	job.ComponentName = req.ComponentName
	job.Inputs = req.Inputs
	job.Secrets = req.Secrets
	job.PublicVariables = req.PublicVariables
	job.RunSubspell = req.RunSubspell

	if err := s.cfg.Queue.Push(r.Context(), job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "QUEUE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.cfg.Archive.Topics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ARCHIVE_ERROR", err.Error())
		return
	}
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	var (
		after uint64
		limit int
		err   error
	)
	if v := r.URL.Query().Get("after"); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid after parameter")
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid limit parameter")
			return
		}
	}

	msgs, err := s.cfg.Archive.List(r.Context(), topic, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ARCHIVE_ERROR", err.Error())
		return
	}
	if msgs == nil {
		msgs = []bus.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func diagMessages(diags []graph.Diagnostic) []string {
	var out []string
	for _, d := range graph.Errors(diags) {
		out = append(out, d.Error())
	}
	return out
}
