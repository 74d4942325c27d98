package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"motolink/hses"
	"motolink/logging"
	"motolink/robotman"
)

// SSE event type constants.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
	eventHealth       = "health"
	eventMotion       = "motion"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type     string
	Robot    string // set when event is robot-specific (for filtering)
	Variable string // set when event is variable-specific (for filtering)
	Data     interface{}
}

// apiValueUpdate is the JSON payload for value-change events.
type apiValueUpdate struct {
	Robot    string      `json:"robot"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
	Type     string      `json:"type,omitempty"`
}

// apiStatusUpdate is the JSON payload for status-change events.
type apiStatusUpdate struct {
	Robot           string `json:"robot"`
	Status          string `json:"status"`
	VarCount        int    `json:"varCount"`
	Error           string `json:"error,omitempty"`
	Model           string `json:"model,omitempty"`
	SoftwareVersion string `json:"softwareVersion,omitempty"`
}

// apiHealthUpdate is the JSON payload for health events.
type apiHealthUpdate struct {
	Robot     string `json:"robot"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// apiMotionUpdate is the JSON payload for motion events.
type apiMotionUpdate struct {
	Robot    string `json:"robot"`
	Waypoint int    `json:"waypoint"`
	Finished bool   `json:"finished"`
	Error    string `json:"error,omitempty"`
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
	done   chan struct{}
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	close(h.done)
}

// broadcastMotionEvent pushes sequencer progress to SSE clients.
func (h *handlers) broadcastMotionEvent(robot string, ev hses.MotionEvent) {
	update := apiMotionUpdate{
		Robot:    robot,
		Waypoint: ev.Index,
		Finished: ev.Finished,
	}
	if ev.Err != nil {
		update.Error = ev.Err.Error()
	}
	h.hub.Broadcast(sseEvent{
		Type:  eventMotion,
		Robot: robot,
		Data:  update,
	})
}

// handleSSE serves the /events SSE endpoint.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Parse filters from query params
	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	robotFilter := r.URL.Query().Get("robot")
	var robotsFilter map[string]bool
	if robots := r.URL.Query().Get("robots"); robots != "" {
		robotsFilter = make(map[string]bool)
		for _, p := range strings.Split(robots, ",") {
			robotsFilter[strings.TrimSpace(p)] = true
		}
	}
	var varFilter map[string]bool
	if vars := r.URL.Query().Get("vars"); vars != "" {
		varFilter = make(map[string]bool)
		for _, v := range strings.Split(vars, ",") {
			varFilter[strings.TrimSpace(v)] = true
		}
	}

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &apiSSEClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
		done:   make(chan struct{}),
	}

	h.hub.register <- client

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			h.hub.unregister <- client
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			// Apply type filter
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			// Apply robot filter (only to robot-specific events)
			if robotFilter != "" && event.Robot != "" && event.Robot != robotFilter {
				continue
			}
			if robotsFilter != nil && event.Robot != "" && !robotsFilter[event.Robot] {
				continue
			}
			// Apply variable filter (only to variable-specific events)
			if varFilter != nil && event.Variable != "" && !varFilter[event.Variable] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// pollHealth broadcasts health events for all robots on a 10s ticker.
func (h *handlers) pollHealth() {
	// Initial delay to let robots connect
	select {
	case <-time.After(2 * time.Second):
	case <-h.hub.done:
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.hub.done:
			return
		case <-ticker.C:
			if h.hub.ClientCount() == 0 {
				continue
			}
			for _, robot := range h.manager.ListRobots() {
				status := robot.GetStatus()
				errMsg := ""
				if err := robot.GetError(); err != nil {
					errMsg = err.Error()
				}
				h.hub.Broadcast(sseEvent{
					Type:  eventHealth,
					Robot: robot.Config.Name,
					Data: apiHealthUpdate{
						Robot:     robot.Config.Name,
						Online:    status == robotman.StatusConnected,
						Status:    status.String(),
						Error:     errMsg,
						Timestamp: time.Now().UTC().Format(time.RFC3339),
					},
				})
			}
		}
	}
}
