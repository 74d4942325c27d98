package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"motolink/config"
	"motolink/driver"
	"motolink/hses"
	"motolink/robotman"
)

// RobotResponse is the JSON response for robot info.
type RobotResponse struct {
	Name            string `json:"name"`
	Host            string `json:"host"`
	Status          string `json:"status"`
	Model           string `json:"model,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
	Error           string `json:"error,omitempty"`
}

// VarResponse is the JSON response for a variable value.
// When a variable has an alias, Name contains the alias and Spec
// contains the raw variable address.
type VarResponse struct {
	Robot string      `json:"robot"`
	Name  string      `json:"name"`
	Spec  string      `json:"spec,omitempty"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
	Error string      `json:"error,omitempty"`
}

// HealthResponse is the JSON structure for robot health status.
type HealthResponse struct {
	Robot     string `json:"robot"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LastPoll  string `json:"last_poll,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the JSON structure for the controller status words.
type StatusResponse struct {
	Robot          string `json:"robot"`
	Step           bool   `json:"step"`
	OneCycle       bool   `json:"one_cycle"`
	AutoAndCont    bool   `json:"auto_and_cont"`
	Running        bool   `json:"running"`
	GuardSafe      bool   `json:"guard_safe"`
	Teach          bool   `json:"teach"`
	Play           bool   `json:"play"`
	CmdRemote      bool   `json:"cmd_remote"`
	HoldByPendant  bool   `json:"hold_by_pendant"`
	HoldExternally bool   `json:"hold_externally"`
	HoldByCmd      bool   `json:"hold_by_cmd"`
	Alarming       bool   `json:"alarming"`
	ErrorOccurring bool   `json:"error_occurring"`
	ServoOn        bool   `json:"servo_on"`
}

// WriteRequest is the JSON request for writing a variable value.
// This matches the MQTT write request format for consistency.
type WriteRequest struct {
	Robot    string      `json:"robot"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a variable value.
type WriteResponse struct {
	Robot     string      `json:"robot"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// MotionRequest is the JSON request for starting a waypoint sequence.
// MoveType and SpeedClass carry the controller's numeric codes: move
// types 1 joint, 2 linear, 3 incremental; speed classes 0 percent,
// 1 mm/s, 2 deg/s. Waypoints are pulse counts when pulse is true,
// cartesian poses otherwise.
type MotionRequest struct {
	Pulse       bool       `json:"pulse"`
	MoveType    uint16     `json:"move_type"`
	Coordinate  uint32     `json:"coordinate,omitempty"`
	SpeedClass  uint32     `json:"speed_class"`
	Speed       uint32     `json:"speed"`
	Form        uint32     `json:"form,omitempty"`
	ToolNo      uint32     `json:"tool_no,omitempty"`
	UserCoordNo uint32     `json:"user_coord_no,omitempty"`
	Waypoints   [][7]int32 `json:"waypoints"`
}

// MotionResponse is the JSON response for motion state queries and
// sequence start/cancel requests.
type MotionResponse struct {
	Robot string `json:"robot"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// handlers holds the API handler functions.
type handlers struct {
	manager *robotman.Manager
	hub     *eventHub
}

// newRouter creates the REST API router.
func newRouter(h *handlers) chi.Router {
	r := chi.NewRouter()

	// Root - list robots
	r.Get("/", h.handleListRobots)

	// SSE event stream
	r.Get("/events", h.handleSSE)

	// Robot-specific endpoints
	r.Route("/{robot}", func(r chi.Router) {
		r.Get("/", h.handleRobotDetails)
		r.Get("/health", h.handleRobotHealth)
		r.Get("/status", h.handleControllerStatus)
		r.Get("/vars", h.handleAllVars)
		r.Get("/vars/*", h.handleSingleVar)
		r.Post("/write", h.handleWrite)
		r.Get("/files", h.handleListFiles)
		r.Get("/files/{file}", h.handleGetFile)
		r.Put("/files/{file}", h.handlePutFile)
		r.Delete("/files/{file}", h.handleDeleteFile)
		r.Get("/motion", h.handleMotionState)
		r.Post("/motion", h.handleMotionStart)
		r.Delete("/motion", h.handleMotionCancel)
	})

	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSONStatus(w, status, map[string]string{"error": message})
}

// robotParam resolves the {robot} URL parameter to a managed robot,
// writing a 404 and returning nil when it does not exist.
func (h *handlers) robotParam(w http.ResponseWriter, r *http.Request) *robotman.ManagedRobot {
	name := chi.URLParam(r, "robot")
	name, _ = url.PathUnescape(name)

	robot := h.manager.GetRobot(name)
	if robot == nil {
		h.writeError(w, http.StatusNotFound, "robot not found")
	}
	return robot
}

func robotResponse(robot *robotman.ManagedRobot) RobotResponse {
	resp := RobotResponse{
		Name:   robot.Config.Name,
		Host:   robot.Config.Host,
		Status: robot.GetStatus().String(),
	}

	if info := robot.GetInfo(); info != nil {
		resp.Model = info.Model
		resp.SoftwareVersion = info.SoftwareVersion
	}
	if err := robot.GetError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func healthResponse(robot *robotman.ManagedRobot) HealthResponse {
	status := robot.GetStatus()
	resp := HealthResponse{
		Robot:     robot.Config.Name,
		Online:    status == robotman.StatusConnected,
		Status:    status.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := robot.GetError(); err != nil {
		resp.Error = err.Error()
	}
	if lp := robot.GetLastPoll(); !lp.IsZero() {
		resp.LastPoll = lp.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *handlers) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots := h.manager.ListRobots()
	response := make([]RobotResponse, 0, len(robots))

	for _, robot := range robots {
		response = append(response, robotResponse(robot))
	}

	h.writeJSON(w, response)
}

func (h *handlers) handleRobotDetails(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}
	h.writeJSON(w, robotResponse(robot))
}

func (h *handlers) handleRobotHealth(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}
	h.writeJSON(w, healthResponse(robot))
}

func (h *handlers) handleControllerStatus(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	st, err := h.manager.RobotStatus(robot.Config.Name)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.writeJSON(w, StatusResponse{
		Robot:          robot.Config.Name,
		Step:           st.Step,
		OneCycle:       st.OneCycle,
		AutoAndCont:    st.AutoAndCont,
		Running:        st.Running,
		GuardSafe:      st.GuardSafe,
		Teach:          st.Teach,
		Play:           st.Play,
		CmdRemote:      st.CmdRemote,
		HoldByPendant:  st.HoldByPendant,
		HoldExternally: st.HoldExternally,
		HoldByCmd:      st.HoldByCmd,
		Alarming:       st.Alarming,
		ErrorOccurring: st.ErrorOccurring,
		ServoOn:        st.ServoOn,
	})
}

func (h *handlers) handleAllVars(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	values := robot.GetValues()
	response := make(map[string]VarResponse)

	for _, sel := range robot.Config.Variables {
		if !sel.Enabled {
			continue
		}

		name := sel.Key()
		spec := ""
		if sel.Alias != "" {
			spec = sel.Spec
		}

		key := robot.Config.Name + "." + name
		resp := VarResponse{
			Robot: robot.Config.Name,
			Name:  name,
			Spec:  spec,
		}

		if v, ok := values[name]; ok {
			resp.Type = v.TypeName()
			resp.Value = v.Value
			if v.Error != nil {
				resp.Error = v.Error.Error()
			}
		}

		response[key] = resp
	}

	h.writeJSON(w, response)
}

func (h *handlers) handleSingleVar(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	// Variable name from wildcard (everything after /vars/)
	varName := chi.URLParam(r, "*")
	varName, _ = url.PathUnescape(varName)

	// Find the variable by spec or alias among the polled selections
	var sel *config.VariableSelection
	for i := range robot.Config.Variables {
		v := &robot.Config.Variables[i]
		if !v.Enabled {
			continue
		}
		if v.Spec == varName || (v.Alias != "" && v.Alias == varName) {
			sel = v
			break
		}
	}

	name := varName
	spec := ""
	if sel != nil {
		name = sel.Key()
		if sel.Alias != "" {
			spec = sel.Spec
		}

		// Cached value first
		if v, ok := robot.GetValues()[name]; ok {
			resp := VarResponse{
				Robot: robot.Config.Name,
				Name:  name,
				Spec:  spec,
				Type:  v.TypeName(),
				Value: v.Value,
			}
			if v.Error != nil {
				resp.Error = v.Error.Error()
			}
			h.writeJSON(w, resp)
			return
		}

		varName = sel.Spec
	} else if _, _, err := driver.ParseSpec(varName); err != nil {
		// Not configured and not a raw variable address either
		h.writeError(w, http.StatusNotFound, "variable not found")
		return
	}

	// Read ad-hoc from the controller
	v, err := h.manager.ReadVariable(robot.Config.Name, varName)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := VarResponse{
		Robot: robot.Config.Name,
		Name:  name,
		Spec:  spec,
		Type:  v.TypeName(),
		Value: v.Value,
	}
	if v.Error != nil {
		resp.Error = v.Error.Error()
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	writeResp := func(status int, errMsg string) {
		resp := WriteResponse{
			Robot:     req.Robot,
			Variable:  req.Variable,
			Value:     req.Value,
			Success:   errMsg == "",
			Error:     errMsg,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		h.writeJSONStatus(w, status, resp)
	}

	if req.Robot != robot.Config.Name {
		writeResp(http.StatusBadRequest, fmt.Sprintf("robot name mismatch: URL has '%s', request has '%s'", robot.Config.Name, req.Robot))
		return
	}

	if robot.GetStatus() != robotman.StatusConnected {
		writeResp(http.StatusServiceUnavailable, "robot not connected")
		return
	}

	// Resolve alias to spec; bare variable addresses pass through as-is
	spec := req.Variable
	for i := range robot.Config.Variables {
		v := &robot.Config.Variables[i]
		if v.Enabled && v.Alias == req.Variable {
			spec = v.Spec
			break
		}
	}

	vt, _, err := driver.ParseSpec(spec)
	if err != nil {
		writeResp(http.StatusNotFound, "variable not found: "+err.Error())
		return
	}

	value, err := driver.ConvertValue(req.Value, vt)
	if err != nil {
		writeResp(http.StatusBadRequest, err.Error())
		return
	}

	// Write in a goroutine with a timeout so a dead controller does not
	// hold the HTTP handler
	resultChan := make(chan error, 1)
	go func() {
		resultChan <- h.manager.WriteVariable(robot.Config.Name, spec, value)
	}()

	var writeErr error
	select {
	case writeErr = <-resultChan:
	case <-time.After(3 * time.Second):
		writeErr = fmt.Errorf("write timeout: controller did not respond within 3 seconds")
	}

	if writeErr != nil {
		writeResp(http.StatusInternalServerError, writeErr.Error())
		return
	}
	writeResp(http.StatusOK, "")
}

func (h *handlers) handleListFiles(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	pattern := r.URL.Query().Get("ext")
	if pattern == "" {
		pattern = "*.JBI"
	}

	names, err := h.manager.ListFiles(robot.Config.Name, pattern)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	h.writeJSON(w, names)
}

// fileParam extracts and validates the {file} URL parameter.
func (h *handlers) fileParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "file")
	name, _ = url.PathUnescape(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		h.writeError(w, http.StatusBadRequest, "invalid file name")
		return "", false
	}
	return name, true
}

func (h *handlers) handleGetFile(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}
	name, ok := h.fileParam(w, r)
	if !ok {
		return
	}

	content, err := h.manager.RecvFile(robot.Config.Name, name)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(content)
}

func (h *handlers) handlePutFile(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}
	name, ok := h.fileParam(w, r)
	if !ok {
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	if err := h.manager.SendFile(robot.Config.Name, name, content); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeJSON(w, map[string]interface{}{"file": name, "size": len(content), "success": true})
}

func (h *handlers) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}
	name, ok := h.fileParam(w, r)
	if !ok {
		return
	}

	if err := h.manager.DeleteFile(robot.Config.Name, name); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeJSON(w, map[string]interface{}{"file": name, "success": true})
}

func (h *handlers) handleMotionState(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	state, err := h.manager.MotionState(robot.Config.Name)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeJSON(w, MotionResponse{Robot: robot.Config.Name, State: state.String()})
}

func (h *handlers) handleMotionStart(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	var req MotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Waypoints) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty waypoint list")
		return
	}

	mt := hses.MoveTarget{
		MoveType:    hses.MoveType(req.MoveType),
		Coordinate:  hses.CoordinateSystem(req.Coordinate),
		SpeedClass:  hses.SpeedClass(req.SpeedClass),
		Speed:       req.Speed,
		Form:        req.Form,
		ToolNo:      req.ToolNo,
		UserCoordNo: req.UserCoordNo,
	}

	robotName := robot.Config.Name
	cb := func(ev hses.MotionEvent) {
		h.broadcastMotionEvent(robotName, ev)
	}

	if err := h.manager.StartSequence(robotName, mt, req.Waypoints, req.Pulse, cb); err != nil {
		status := http.StatusServiceUnavailable
		if strings.Contains(err.Error(), "already running") {
			status = http.StatusConflict
		}
		h.writeJSONStatus(w, status, MotionResponse{
			Robot: robotName,
			State: hses.MotionIdle.String(),
			Error: err.Error(),
		})
		return
	}

	h.writeJSONStatus(w, http.StatusAccepted, MotionResponse{
		Robot: robotName,
		State: hses.MotionMoving.String(),
	})
}

func (h *handlers) handleMotionCancel(w http.ResponseWriter, r *http.Request) {
	robot := h.robotParam(w, r)
	if robot == nil {
		return
	}

	if err := h.manager.CancelSequence(robot.Config.Name); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	state, _ := h.manager.MotionState(robot.Config.Name)
	h.writeJSON(w, MotionResponse{Robot: robot.Config.Name, State: state.String()})
}
