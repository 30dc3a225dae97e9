// Package adminapi exposes a read-only HTTP introspection surface over
// the simulator's MC registry and session table, plus an SSE tap onto
// a channel's live outbound SOL bytes, over a gorilla/mux route table.
package adminapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"ipmisim/internal/consolelog"
	"ipmisim/internal/mc"
	"ipmisim/internal/session"
)

// Server is the admin HTTP API.
type Server struct {
	port       int
	registry   *mc.Registry
	sessions   *session.Table
	logs       *consolelog.Writer
	router     *mux.Router
	httpServer *http.Server
}

// New constructs a Server listening on port, reading from registry and
// sessions and tapping console transcripts from logs.
func New(port int, registry *mc.Registry, sessions *session.Table, logs *consolelog.Writer) *Server {
	s := &Server{
		port:     port,
		registry: registry,
		sessions: sessions,
		logs:     logs,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/mcs", s.handleListMCs).Methods("GET")
	api.HandleFunc("/mcs/{addr}", s.handleMCDetail).Methods("GET")
	api.HandleFunc("/mcs/{addr}/channels/{number}/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("adminapi: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Run serves the admin API until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("adminapi: context done, shutting down")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("adminapi: listening on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the API's http.Handler, for tests that exercise
// routes via httptest without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.router
}
