// Package robotman provides robot connection management with background
// variable polling.
package robotman

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"motolink/config"
	"motolink/driver"
	"motolink/hses"
	"motolink/logging"
)

// ConnectionStatus represents the state of a robot connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ManagedRobot represents a robot under management.
type ManagedRobot struct {
	Config    *config.RobotConfig
	Driver    driver.Driver
	Info      *driver.DeviceInfo
	Values    map[string]*driver.VarValue // keyed by publish key
	Status    ConnectionStatus
	LastError error
	LastPoll  time.Time
	mu        sync.RWMutex
}

// GetStatus returns the current connection status thread-safely.
func (r *ManagedRobot) GetStatus() ConnectionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// GetError returns the last error thread-safely.
func (r *ManagedRobot) GetError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.LastError
}

// GetValues returns a copy of the current variable values.
func (r *ManagedRobot) GetValues() map[string]*driver.VarValue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*driver.VarValue, len(r.Values))
	for k, v := range r.Values {
		result[k] = v
	}
	return result
}

// GetLastPoll returns the time of the last successful poll.
func (r *ManagedRobot) GetLastPoll() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.LastPoll
}

// GetInfo returns the controller identity captured at connect time.
func (r *ManagedRobot) GetInfo() *driver.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Info
}

// ValueChange represents a variable value that has changed.
type ValueChange struct {
	Robot    string
	Variable string // publish key (alias or spec)
	TypeName string
	Value    interface{}
}

// PollStats tracks polling statistics for diagnostics.
type PollStats struct {
	LastPollTime time.Time
	VarsPolled   int
	ChangesFound int
	LastError    error
}

// robotWorker polls a single robot in its own goroutine.
type robotWorker struct {
	robot    *ManagedRobot
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	varsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

func newRobotWorker(robot *ManagedRobot, manager *Manager, pollRate time.Duration) *robotWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &robotWorker{
		robot:    robot,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

func (w *robotWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

func (w *robotWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *robotWorker) GetStats() (varsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.varsPolled, w.changesFound, w.lastError
}

func (w *robotWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *robotWorker) setStats(polled, changes int, err error) {
	w.statsMu.Lock()
	w.varsPolled = polled
	w.changesFound = changes
	w.lastError = err
	w.statsMu.Unlock()
}

func (w *robotWorker) poll() {
	robot := w.robot

	w.checkAutoReconnect()

	robot.mu.RLock()
	drv := robot.Driver
	status := robot.Status
	cfg := robot.Config
	robotName := cfg.Name
	oldValues := make(map[string]interface{})
	for k, v := range robot.Values {
		if v != nil && v.Error == nil {
			oldValues[k] = v.Value
		}
	}
	robot.mu.RUnlock()

	if status != StatusConnected || drv == nil {
		w.setStats(0, 0, nil)
		return
	}

	// Determine which variables to read
	var specs, keys []string
	for _, sel := range cfg.Variables {
		if sel.Enabled {
			specs = append(specs, sel.Spec)
			keys = append(keys, sel.Key())
		}
	}
	if len(specs) == 0 {
		w.setStats(0, 0, nil)
		return
	}

	// Blocking I/O: one batched read of all selected variables
	values, err := drv.Read(specs)
	if err != nil {
		robot.mu.Lock()
		robot.LastError = err
		robot.Status = StatusError
		robot.mu.Unlock()

		w.setStats(len(specs), 0, err)
		logging.DebugError("robotman", fmt.Sprintf("poll %s", robotName), err)
		w.manager.markStatusDirty()
		return
	}

	// Detect changes and update values
	var changes []ValueChange
	robot.mu.Lock()
	for i, v := range values {
		key := keys[i]
		if v.Error == nil {
			oldVal, existed := oldValues[key]
			if !existed || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", v.Value) {
				changes = append(changes, ValueChange{
					Robot:    robotName,
					Variable: key,
					TypeName: v.TypeName(),
					Value:    v.Value,
				})
			}
		}
		robot.Values[key] = v
	}
	robot.LastPoll = time.Now()
	robot.mu.Unlock()

	w.setStats(len(specs), len(changes), nil)

	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

func (w *robotWorker) checkAutoReconnect() {
	robot := w.robot

	robot.mu.RLock()
	status := robot.Status
	enabled := robot.Config.Enabled
	robot.mu.RUnlock()

	if !enabled {
		return
	}
	if status == StatusConnected || status == StatusConnecting {
		return
	}

	// Reconnect attempt runs in this worker's goroutine
	w.manager.connectRobot(robot)
}

// Manager manages multiple robot connections and polling.
type Manager struct {
	robots  map[string]*ManagedRobot
	workers map[string]*robotWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChange      func()
	onValueChange func(changes []ValueChange)

	changeChan  chan []ValueChange
	statusDirty int32

	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new robot manager.
func NewManager(pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Manager{
		robots:        make(map[string]*ManagedRobot),
		workers:       make(map[string]*robotWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond,
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetOnChange sets a callback that fires when robot status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that fires when variable values
// change.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends value changes to the aggregator channel, dropping
// the oldest batch under backpressure.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddRobot adds a robot to management.
func (m *Manager) AddRobot(cfg *config.RobotConfig) error {
	drv, err := driver.Create(cfg)
	if err != nil {
		return fmt.Errorf("AddRobot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.robots[cfg.Name]; exists {
		return nil
	}

	robot := &ManagedRobot{
		Config: cfg,
		Driver: drv,
		Status: StatusDisconnected,
		Values: make(map[string]*driver.VarValue),
	}
	m.robots[cfg.Name] = robot

	if m.ctx != nil {
		worker := newRobotWorker(robot, m, m.pollRate)
		m.workers[cfg.Name] = worker
		worker.Start()
	}
	return nil
}

// RemoveRobot removes a robot from management and disconnects it.
func (m *Manager) RemoveRobot(name string) error {
	m.mu.Lock()
	robot, exists := m.robots[name]
	worker := m.workers[name]
	if exists {
		delete(m.robots, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if worker != nil {
		worker.Stop()
	}
	if exists && robot.Driver != nil {
		robot.Driver.Close()
	}

	m.markStatusDirty()
	return nil
}

// connectRobot establishes a connection (called from worker goroutine).
func (m *Manager) connectRobot(robot *ManagedRobot) error {
	robot.mu.Lock()
	robot.Status = StatusConnecting
	robot.LastError = nil
	drv := robot.Driver
	name := robot.Config.Name
	robot.mu.Unlock()
	m.markStatusDirty()

	if err := drv.Connect(); err != nil {
		robot.mu.Lock()
		robot.Status = StatusError
		robot.LastError = err
		robot.mu.Unlock()
		logging.DebugError("robotman", fmt.Sprintf("connect %s", name), err)
		m.markStatusDirty()
		return err
	}

	info, _ := drv.DeviceInfo()

	robot.mu.Lock()
	robot.Info = info
	robot.Status = StatusConnected
	robot.mu.Unlock()
	logging.DebugLog("robotman", "connected to %s", name)
	m.markStatusDirty()
	return nil
}

// Connect establishes a connection to the named robot in the
// background.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	robot, exists := m.robots[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("robot not found: %s", name)
	}
	go m.connectRobot(robot)
	return nil
}

// Disconnect closes the connection to the named robot.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	robot, exists := m.robots[name]
	m.mu.RUnlock()

	if !exists {
		return nil
	}

	robot.mu.Lock()
	if robot.Driver != nil {
		robot.Driver.Close()
	}
	robot.Status = StatusDisconnected
	robot.LastError = nil
	robot.Info = nil
	robot.mu.Unlock()
	m.markStatusDirty()
	return nil
}

// GetRobot returns the managed robot with the given name.
func (m *Manager) GetRobot(name string) *ManagedRobot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.robots[name]
}

// ListRobots returns all managed robots.
func (m *Manager) ListRobots() []*ManagedRobot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ManagedRobot, 0, len(m.robots))
	for _, robot := range m.robots {
		result = append(result, robot)
	}
	return result
}

// Start begins background polling for all robots.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, robot := range m.robots {
		worker := newRobotWorker(robot, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()

	m.wg.Add(1)
	go m.statsAggregatorLoop()
}

// Stop halts all background polling.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	workers := make([]*robotWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*robotWorker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and fires callbacks at a
// controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

func (m *Manager) statsAggregatorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*robotWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	totalVars := 0
	totalChanges := 0
	var lastErr error
	for _, w := range workers {
		vars, changes, err := w.GetStats()
		totalVars += vars
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	m.statsMu.Lock()
	m.lastPollStats = PollStats{
		LastPollTime: time.Now(),
		VarsPolled:   totalVars,
		ChangesFound: totalChanges,
		LastError:    lastErr,
	}
	m.statsMu.Unlock()
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// driverFor returns the named robot's driver if it is connected.
func (m *Manager) driverFor(name string) (driver.Driver, error) {
	m.mu.RLock()
	robot, exists := m.robots[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("robot not found: %s", name)
	}

	robot.mu.RLock()
	drv := robot.Driver
	status := robot.Status
	robot.mu.RUnlock()

	if drv == nil || status != StatusConnected {
		return nil, fmt.Errorf("robot not connected: %s", name)
	}
	return drv, nil
}

// ReadVariable reads a single variable from a connected robot.
func (m *Manager) ReadVariable(robotName, spec string) (*driver.VarValue, error) {
	drv, err := m.driverFor(robotName)
	if err != nil {
		return nil, err
	}
	values, err := drv.Read([]string{spec})
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no value for %s", spec)
	}
	if values[0].Error != nil {
		return nil, values[0].Error
	}
	return values[0], nil
}

// WriteVariable writes a value to a variable on a connected robot.
func (m *Manager) WriteVariable(robotName, spec string, value interface{}) error {
	drv, err := m.driverFor(robotName)
	if err != nil {
		return err
	}
	return drv.Write(spec, value)
}

// RobotStatus reads the controller status words of a connected robot.
func (m *Manager) RobotStatus(robotName string) (*hses.Status, error) {
	drv, err := m.driverFor(robotName)
	if err != nil {
		return nil, err
	}
	st, ok := drv.(interface {
		Status() (*hses.Status, error)
	})
	if !ok {
		return nil, fmt.Errorf("robot %s does not report status", robotName)
	}
	return st.Status()
}

// fileStoreFor returns the named robot's file-transfer surface.
func (m *Manager) fileStoreFor(robotName string) (driver.FileStore, error) {
	drv, err := m.driverFor(robotName)
	if err != nil {
		return nil, err
	}
	fs, ok := drv.(driver.FileStore)
	if !ok {
		return nil, fmt.Errorf("robot %s does not support file transfer", robotName)
	}
	return fs, nil
}

// SendFile transfers a file to the named robot's file store.
func (m *Manager) SendFile(robotName, fileName string, content []byte) error {
	fs, err := m.fileStoreFor(robotName)
	if err != nil {
		return err
	}
	return fs.SendFile(fileName, content)
}

// RecvFile retrieves a file from the named robot's file store.
func (m *Manager) RecvFile(robotName, fileName string) ([]byte, error) {
	fs, err := m.fileStoreFor(robotName)
	if err != nil {
		return nil, err
	}
	return fs.RecvFile(fileName)
}

// ListFiles lists files on the named robot matching the pattern.
func (m *Manager) ListFiles(robotName, pattern string) ([]string, error) {
	fs, err := m.fileStoreFor(robotName)
	if err != nil {
		return nil, err
	}
	return fs.ListFiles(pattern)
}

// DeleteFile removes a file from the named robot's file store.
func (m *Manager) DeleteFile(robotName, fileName string) error {
	fs, err := m.fileStoreFor(robotName)
	if err != nil {
		return err
	}
	return fs.DeleteFile(fileName)
}

// motionFor returns the named robot's motion surface.
func (m *Manager) motionFor(robotName string) (driver.MotionDriver, error) {
	drv, err := m.driverFor(robotName)
	if err != nil {
		return nil, err
	}
	md, ok := drv.(driver.MotionDriver)
	if !ok {
		return nil, fmt.Errorf("robot %s does not support motion sequencing", robotName)
	}
	return md, nil
}

// StartSequence begins a background waypoint sequence on a robot.
func (m *Manager) StartSequence(robotName string, mt hses.MoveTarget, waypoints [][7]int32, pulse bool, cb hses.MotionCallback) error {
	md, err := m.motionFor(robotName)
	if err != nil {
		return err
	}
	return md.StartSequence(mt, waypoints, pulse, cb)
}

// CancelSequence cancels a running waypoint sequence.
func (m *Manager) CancelSequence(robotName string) error {
	md, err := m.motionFor(robotName)
	if err != nil {
		return err
	}
	md.CancelSequence()
	return nil
}

// MotionState reports the motion sequencer state of a robot.
func (m *Manager) MotionState(robotName string) (hses.MotionState, error) {
	md, err := m.motionFor(robotName)
	if err != nil {
		return hses.MotionIdle, err
	}
	return md.MotionState(), nil
}

// LoadFromConfig adds all robots from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.Robots {
		if err := m.AddRobot(&cfg.Robots[i]); err != nil {
			logging.DebugError("robotman", fmt.Sprintf("add %s", cfg.Robots[i].Name), err)
		}
	}
}

// ConnectEnabled connects all robots marked as enabled.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	robots := make([]*ManagedRobot, 0)
	for _, robot := range m.robots {
		if robot.Config.Enabled {
			robots = append(robots, robot)
		}
	}
	m.mu.RUnlock()

	for _, robot := range robots {
		go m.connectRobot(robot)
	}
}

// DisconnectAll disconnects all robots.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.robots))
	for name := range m.robots {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Disconnect(name)
	}
}

// GetAllCurrentValues returns all currently cached variable values for
// all robots, used for the initial publish when a broker connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	m.mu.RLock()
	robots := make([]*ManagedRobot, 0, len(m.robots))
	for _, robot := range m.robots {
		robots = append(robots, robot)
	}
	m.mu.RUnlock()

	var results []ValueChange
	for _, robot := range robots {
		robot.mu.RLock()
		robotName := robot.Config.Name
		for key, val := range robot.Values {
			if val != nil && val.Error == nil {
				results = append(results, ValueChange{
					Robot:    robotName,
					Variable: key,
					TypeName: val.TypeName(),
					Value:    val.Value,
				})
			}
		}
		robot.mu.RUnlock()
	}
	return results
}
