// Package web provides an HTTP status and control server for the spike-detector daemon.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sweeney/spike-detector/internal/log"
	"github.com/sweeney/spike-detector/internal/params"
	"github.com/sweeney/spike-detector/internal/status"
)

// Server serves the status page, parameter control and the live event stream.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	setter     params.Setter
	hub        *Hub
}

// New creates a Server that reads state from the given tracker and applies
// parameter updates through setter. hub may be nil to disable /ws.
func New(addr string, tracker *status.Tracker, setter params.Setter, hub *Hub) *Server {
	s := &Server{tracker: tracker, setter: setter, hub: hub}

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleIndex).Methods("GET")
	router.HandleFunc("/index.html", s.handleIndex).Methods("GET")
	router.HandleFunc("/index.json", s.handleJSON).Methods("GET")
	router.HandleFunc("/params", s.handleGetParams).Methods("GET")
	router.HandleFunc("/params", s.handlePutParams).Methods("PUT")
	if hub != nil {
		router.Handle("/ws", hub).Methods("GET")
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap, s.hub != nil)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	if r.URL.Query().Get("format") == "msgpack" {
		if err := writeResponse(w, r, http.StatusOK, status.Build(snap)); err != nil {
			log.Warnf("web: encode status: %v", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, http.StatusOK, params.ToDisplay(s.setter.Parameters()))
}

func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	u, err := params.Decode(http.MaxBytesReader(w, r.Body, 4096))
	if err != nil {
		writeResponse(w, r, http.StatusBadRequest, errorJSON{Error: err.Error()})
		return
	}

	next, err := params.Set(s.setter, u)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, params.ErrInvalidUpdate) {
			code = http.StatusBadRequest
		}
		writeResponse(w, r, code, errorJSON{Error: err.Error()})
		return
	}

	s.tracker.SetParams(next)
	d := params.ToDisplay(next)
	log.Infow("parameters updated via http", "threshold_mv", d.ThresholdMV, "min_interval_ms", d.MinIntervalMS, "remote", r.RemoteAddr)
	writeResponse(w, r, http.StatusOK, d)
}
