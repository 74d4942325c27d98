// Package api provides the REST and SSE server for robot data.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"motolink/config"
	"motolink/logging"
	"motolink/robotman"
)

// Server is the REST API server.
type Server struct {
	manager *robotman.Manager
	config  *config.WebConfig
	hub     *eventHub
	server  *http.Server
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new REST API server.
func NewServer(manager *robotman.Manager, cfg *config.WebConfig) *Server {
	return &Server{
		manager: manager,
		config:  cfg,
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.hub = newEventHub()
	h := &handlers{manager: s.manager, hub: s.hub}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: corsMiddleware(newRouter(h)),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugError("api", "server stopped", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()
	go h.pollHealth()

	s.running = true
	logging.DebugLog("api", "REST server listening on %s", addr)
	return nil
}

// Stop halts the HTTP server and disconnects all SSE clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.hub = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// BroadcastValueChanges pushes a batch of variable changes to connected
// SSE clients. Safe to call while the server is stopped.
func (s *Server) BroadcastValueChanges(changes []robotman.ValueChange) {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	if hub == nil {
		return
	}

	for _, change := range changes {
		hub.Broadcast(sseEvent{
			Type:     eventValueChange,
			Robot:    change.Robot,
			Variable: change.Variable,
			Data: apiValueUpdate{
				Robot:    change.Robot,
				Variable: change.Variable,
				Value:    change.Value,
				Type:     change.TypeName,
			},
		})
	}
}

// BroadcastStatusChange pushes the current connection status of every
// robot to connected SSE clients.
func (s *Server) BroadcastStatusChange() {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	if hub == nil {
		return
	}

	for _, robot := range s.manager.ListRobots() {
		status := robot.GetStatus()
		statusStr := "disconnected"
		switch status {
		case robotman.StatusConnected:
			statusStr = "connected"
		case robotman.StatusConnecting:
			statusStr = "connecting"
		case robotman.StatusError:
			statusStr = "error"
		}

		errMsg := ""
		if err := robot.GetError(); err != nil {
			errMsg = err.Error()
		}

		var model, version string
		if info := robot.GetInfo(); info != nil {
			model = info.Model
			version = info.SoftwareVersion
		}

		hub.Broadcast(sseEvent{
			Type:  eventStatusChange,
			Robot: robot.Config.Name,
			Data: apiStatusUpdate{
				Robot:           robot.Config.Name,
				Status:          statusStr,
				VarCount:        len(robot.Config.Variables),
				Error:           errMsg,
				Model:           model,
				SoftwareVersion: version,
			},
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
