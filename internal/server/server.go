package server

import (
	"net/http"

	"github.com/peterje/consolehost/internal/api"
	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/events"
	"github.com/peterje/consolehost/internal/models"
	"github.com/peterje/consolehost/internal/ws"
)

type Server struct {
	mux      *http.ServeMux
	registry *console.Registry
	events   *events.Emitter
	history  api.History
	shell    string
}

func New(registry *console.Registry, emitter *events.Emitter, history api.History, shell string) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		registry: registry,
		events:   emitter,
		history:  history,
		shell:    shell,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	procs := api.NewProcessesHandler(s.registry, s.history, s.events)
	wsHandler := ws.NewHandler(s.registry, s.events)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Processes
	s.mux.HandleFunc("GET /api/processes", procs.HandleList)
	s.mux.HandleFunc("POST /api/processes", procs.HandleCreate)
	s.mux.HandleFunc("GET /api/processes/{handle}", procs.HandleGet)
	s.mux.HandleFunc("DELETE /api/processes/{handle}", procs.HandleDelete)
	s.mux.HandleFunc("POST /api/processes/{handle}/start", procs.HandleStart)
	s.mux.HandleFunc("POST /api/processes/{handle}/input", procs.HandleInput)
	s.mux.HandleFunc("POST /api/processes/{handle}/interrupt", procs.HandleInterrupt)
	s.mux.HandleFunc("POST /api/processes/{handle}/resize", procs.HandleResize)

	// History
	s.mux.HandleFunc("GET /api/history", procs.HandleHistory)

	// WebSocket
	s.mux.Handle("GET /ws/process/{handle}", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:  "ok",
		Shell:   s.shell,
		Running: s.registry.Running(),
		Total:   len(s.registry.List()),
	})
}
