// Package transport is a thin HTTP surface over the engine's External
// Interfaces (spec §6). It deliberately does not reimplement the teacher's
// full dashboard (templates, static assets, markdown rendering, setup
// wizard) — that surface is explicitly out of scope (spec §1) — but keeps
// the teacher's gorilla/mux routing and SSE-streaming shape so the engine
// has a concrete, if minimal, transport seam to drive from outside the
// process.
//
// Grounded on the teacher's internal/web/server.go (mux routing) and
// sse.go (flusher-based event stream), generalized from a per-connection
// string-channel broadcast to a subscription on internal/eventbus.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/coldforge/ticketforge/internal/engine"
	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/coldforge/ticketforge/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes the engine's operations over HTTP.
type Server struct {
	engine *engine.Engine
	log    *zap.Logger
	router *mux.Router
}

// New builds a Server with its routes registered.
func New(e *engine.Engine, log *zap.Logger) *Server {
	s := &Server{engine: e, log: log, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	s.router.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	s.router.HandleFunc("/projects/{id}", s.handleGetProject).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}", s.handleDeleteProject).Methods(http.MethodDelete)

	s.router.HandleFunc("/projects/{id}/worker-types", s.handleListWorkerTypes).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/worker-types", s.handleCreateWorkerType).Methods(http.MethodPost)

	s.router.HandleFunc("/projects/{id}/tickets", s.handleListTickets).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/tickets", s.handleCreateTicket).Methods(http.MethodPost)
	s.router.HandleFunc("/tickets/{id}", s.handleGetTicket).Methods(http.MethodGet)
	s.router.HandleFunc("/tickets/{id}/close", s.handleCloseTicket).Methods(http.MethodPost)
	s.router.HandleFunc("/tickets/{id}/resume", s.handleResumeTicket).Methods(http.MethodPost)

	s.router.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *engineerr.ValidationError:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": e.Error()})
	case *engineerr.DependencyError:
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": e.Error()})
	default:
		s.log.Error("transport: request failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.engine.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, &engineerr.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	if err := s.engine.CreateProject(r.Context(), &p); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteProject(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListWorkerTypes(w http.ResponseWriter, r *http.Request) {
	wts, err := s.engine.ListWorkerTypes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wts)
}

func (s *Server) handleCreateWorkerType(w http.ResponseWriter, r *http.Request) {
	var wt model.WorkerType
	if err := json.NewDecoder(r.Body).Decode(&wt); err != nil {
		s.writeError(w, &engineerr.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	wt.ProjectID = mux.Vars(r)["id"]
	if err := s.engine.CreateWorkerType(r.Context(), &wt); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &wt)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	f := store.TicketFilter{ProjectID: projectID, Stage: r.URL.Query().Get("stage")}
	if st := r.URL.Query().Get("state"); st != "" {
		f.State = model.TicketState(st)
	}
	tickets, err := s.engine.ListTickets(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var t model.Ticket
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.writeError(w, &engineerr.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	if err := s.engine.CreateTicket(r.Context(), mux.Vars(r)["id"], &t); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &t)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTicket(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCloseTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.engine.CloseTicket(r.Context(), mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleResumeTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stage string `json:"stage"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.engine.ResumeTicketProcessing(r.Context(), mux.Vars(r)["id"], body.Stage); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f := store.EventFilter{
		ProjectID:        r.URL.Query().Get("project_id"),
		TicketID:         r.URL.Query().Get("ticket_id"),
		EventType:        model.EventType(r.URL.Query().Get("event_type")),
		IncludeProcessed: r.URL.Query().Get("include_processed") == "true",
	}
	if since := r.URL.Query().Get("since_id"); since != "" {
		f.SinceID, _ = strconv.ParseInt(since, 10, 64)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}
	if ids := r.URL.Query().Get("event_ids"); ids != "" {
		for _, part := range strings.Split(ids, ",") {
			if n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				f.EventIDs = append(f.EventIDs, n)
			}
		}
	}
	events, err := s.engine.ListEvents(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// handleEventStream streams live events as Server-Sent Events, replaying
// persisted history first when a since_id query parameter is given.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.engine.Bus().Subscribe()
	defer sub.Close()

	sinceID := int64(0)
	if since := r.URL.Query().Get("since_id"); since != "" {
		sinceID, _ = strconv.ParseInt(since, 10, 64)
	}
	backlog, err := s.engine.Bus().ListEvents(r.Context(), store.EventFilter{SinceID: sinceID, IncludeProcessed: true})
	if err == nil {
		for _, e := range backlog {
			writeSSEEvent(w, e)
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case d := <-sub.C:
			if d.Lagged {
				replay, err := s.engine.Bus().ListEvents(r.Context(), store.EventFilter{SinceID: d.SinceID, IncludeProcessed: true})
				if err != nil {
					continue
				}
				for _, e := range replay {
					writeSSEEvent(w, e)
				}
				flusher.Flush()
				continue
			}
			writeSSEEvent(w, d.Event)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e *model.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + string(e.Type) + "\n"))
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}
