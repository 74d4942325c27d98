package driver

import (
	"fmt"
	"sync"

	"motolink/config"
	"motolink/hses"
)

// HSESAdapter implements Driver over an HSES client. The underlying
// protocol opens its socket per exchange, so Connect is a reachability
// probe plus identity fetch rather than a held connection.
type HSESAdapter struct {
	cfg *config.RobotConfig

	mu        sync.RWMutex
	client    *hses.Client
	connected bool
	info      *DeviceInfo
}

// NewHSESAdapter creates an adapter for the given robot configuration.
func NewHSESAdapter(cfg *config.RobotConfig) (*HSESAdapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NewHSESAdapter: nil config")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("NewHSESAdapter: robot %q has no host", cfg.Name)
	}
	return &HSESAdapter{cfg: cfg}, nil
}

// Connect probes the controller and fetches its identity.
func (a *HSESAdapter) Connect() error {
	var opts []hses.Option
	if a.cfg.Timeout > 0 {
		opts = append(opts, hses.WithTimeout(a.cfg.Timeout))
	}
	if a.cfg.RobotPort > 0 || a.cfg.FilePort > 0 {
		rp, fp := a.cfg.RobotPort, a.cfg.FilePort
		if rp == 0 {
			rp = hses.PortRobotControl
		}
		if fp == 0 {
			fp = hses.PortFileControl
		}
		opts = append(opts, hses.WithPorts(rp, fp))
	}
	client := hses.New(a.cfg.Host, opts...)

	if _, err := client.Status(); err != nil {
		return fmt.Errorf("Connect: %w", err)
	}

	// Identity is best-effort; some controllers reject the query in
	// certain modes.
	var info *DeviceInfo
	if si, err := client.SystemInfo(hses.SystemR1); err == nil {
		info = &DeviceInfo{
			Model:            si.Model,
			SoftwareVersion:  si.SoftwareVersion,
			ParameterVersion: si.ParameterVersion,
		}
	}

	a.mu.Lock()
	a.client = client
	a.connected = true
	a.info = info
	a.mu.Unlock()
	return nil
}

// Close marks the adapter disconnected. The protocol holds no
// persistent socket, so there is nothing to tear down.
func (a *HSESAdapter) Close() error {
	a.mu.Lock()
	a.client = nil
	a.connected = false
	a.info = nil
	a.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded since the last
// Close.
func (a *HSESAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// DeviceInfo returns the identity captured at connect time.
func (a *HSESAdapter) DeviceInfo() (*DeviceInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, fmt.Errorf("DeviceInfo: not connected")
	}
	if a.info == nil {
		return nil, fmt.Errorf("DeviceInfo: identity unavailable")
	}
	return a.info, nil
}

func (a *HSESAdapter) engine() (*hses.Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return a.client, nil
}

// Read reads the given variable specs, batching same-type variables into
// consecutive-run plural reads. Results come back in input order; a spec
// that fails to parse or read carries its error in the corresponding
// VarValue.
func (a *HSESAdapter) Read(specs []string) ([]*VarValue, error) {
	client, err := a.engine()
	if err != nil {
		return nil, fmt.Errorf("Read: %w", err)
	}

	out := make([]*VarValue, len(specs))
	groups := make(map[hses.VarType][]*hses.Variable)
	holders := make(map[hses.VarType][]*VarValue)
	for i, spec := range specs {
		vt, num, perr := ParseSpec(spec)
		out[i] = &VarValue{Spec: spec, Type: vt, Num: num, Error: perr}
		if perr != nil {
			continue
		}
		groups[vt] = append(groups[vt], &hses.Variable{Type: vt, Num: num})
		holders[vt] = append(holders[vt], out[i])
	}

	for vt, vars := range groups {
		gerr := client.ReadVariables(vars)
		for j, v := range vars {
			h := holders[vt][j]
			if v.Value != nil {
				h.Value = v.Value
			} else if gerr != nil {
				h.Error = gerr
			}
		}
		// A connection failure applies to everything that comes after,
		// so surface it to the poller instead of per-variable.
		if hses.IsConnectionError(gerr) {
			return out, fmt.Errorf("Read: %w", gerr)
		}
	}
	return out, nil
}

// Write writes one value to a variable spec.
func (a *HSESAdapter) Write(spec string, value interface{}) error {
	client, err := a.engine()
	if err != nil {
		return fmt.Errorf("Write: %w", err)
	}
	vt, num, err := ParseSpec(spec)
	if err != nil {
		return fmt.Errorf("Write: %w", err)
	}
	return client.WriteVariable(&hses.Variable{Type: vt, Num: num, Value: value})
}

// Keepalive verifies the controller still answers.
func (a *HSESAdapter) Keepalive() error {
	client, err := a.engine()
	if err != nil {
		return fmt.Errorf("Keepalive: %w", err)
	}
	_, err = client.Status()
	return err
}

// IsConnectionError reports whether err is a socket-level failure.
func (a *HSESAdapter) IsConnectionError(err error) bool {
	return hses.IsConnectionError(err)
}

// Status reads the controller status word pair.
func (a *HSESAdapter) Status() (*hses.Status, error) {
	client, err := a.engine()
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	return client.Status()
}

// FileStore surface, delegated to the engine's file-control division.

func (a *HSESAdapter) SendFile(name string, content []byte) error {
	client, err := a.engine()
	if err != nil {
		return fmt.Errorf("SendFile: %w", err)
	}
	return client.SendFile(name, content)
}

func (a *HSESAdapter) RecvFile(name string) ([]byte, error) {
	client, err := a.engine()
	if err != nil {
		return nil, fmt.Errorf("RecvFile: %w", err)
	}
	return client.RecvFile(name)
}

func (a *HSESAdapter) ListFiles(pattern string) ([]string, error) {
	client, err := a.engine()
	if err != nil {
		return nil, fmt.Errorf("ListFiles: %w", err)
	}
	return client.ListFiles(pattern)
}

func (a *HSESAdapter) DeleteFile(name string) error {
	client, err := a.engine()
	if err != nil {
		return fmt.Errorf("DeleteFile: %w", err)
	}
	return client.DeleteFile(name)
}

// MotionDriver surface.

func (a *HSESAdapter) StartSequence(m hses.MoveTarget, waypoints [][7]int32, pulse bool, cb hses.MotionCallback) error {
	client, err := a.engine()
	if err != nil {
		return fmt.Errorf("StartSequence: %w", err)
	}
	return client.StartSequence(m, waypoints, pulse, cb)
}

func (a *HSESAdapter) CancelSequence() {
	if client, err := a.engine(); err == nil {
		client.CancelSequence()
	}
}

func (a *HSESAdapter) MotionState() hses.MotionState {
	client, err := a.engine()
	if err != nil {
		return hses.MotionIdle
	}
	return client.MotionState()
}
