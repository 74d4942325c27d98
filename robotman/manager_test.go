package robotman

import (
	"errors"
	"sync"
	"testing"
	"time"

	"motolink/config"
	"motolink/driver"
	"motolink/hses"
)

// fakeDriver is an in-memory driver for exercising the manager without
// a controller on the network.
type fakeDriver struct {
	mu        sync.Mutex
	connected bool
	values    map[string]interface{}
	readErr   error
	writes    map[string]interface{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		values: make(map[string]interface{}),
		writes: make(map[string]interface{}),
	}
}

func (d *fakeDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) DeviceInfo() (*driver.DeviceInfo, error) {
	return &driver.DeviceInfo{Model: "FAKE"}, nil
}

func (d *fakeDriver) Read(specs []string) ([]*driver.VarValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, d.readErr
	}
	out := make([]*driver.VarValue, len(specs))
	for i, spec := range specs {
		vt, num, err := driver.ParseSpec(spec)
		if err != nil {
			out[i] = &driver.VarValue{Spec: spec, Error: err}
			continue
		}
		out[i] = &driver.VarValue{Spec: spec, Type: vt, Num: num, Value: d.values[spec]}
	}
	return out, nil
}

func (d *fakeDriver) Write(spec string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes[spec] = value
	return nil
}

func (d *fakeDriver) Keepalive() error { return nil }

func (d *fakeDriver) IsConnectionError(err error) bool { return false }

func (d *fakeDriver) set(spec string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[spec] = value
}

func newTestRobot(name string, drv driver.Driver, vars ...config.VariableSelection) *ManagedRobot {
	return &ManagedRobot{
		Config: &config.RobotConfig{
			Name:      name,
			Enabled:   true,
			Host:      "10.0.0.2",
			Variables: vars,
		},
		Driver: drv,
		Status: StatusConnected,
		Values: make(map[string]*driver.VarValue),
	}
}

func TestPollDetectsChanges(t *testing.T) {
	drv := newFakeDriver()
	drv.Connect()
	drv.set("I003", int16(7))
	drv.set("D0012", int32(100))

	robot := newTestRobot("gp8", drv,
		config.VariableSelection{Spec: "I003", Enabled: true},
		config.VariableSelection{Spec: "D0012", Alias: "part_count", Enabled: true},
		config.VariableSelection{Spec: "B5", Enabled: false},
	)

	m := NewManager(time.Second)
	m.robots["gp8"] = robot
	w := newRobotWorker(robot, m, time.Second)

	w.poll()

	select {
	case changes := <-m.changeChan:
		if len(changes) != 2 {
			t.Fatalf("expected 2 changes on first poll, got %d", len(changes))
		}
		byVar := make(map[string]ValueChange)
		for _, c := range changes {
			byVar[c.Variable] = c
		}
		if c := byVar["I003"]; c.Robot != "gp8" || c.TypeName != "Integer" {
			t.Errorf("unexpected change for I003: %+v", c)
		}
		if _, ok := byVar["part_count"]; !ok {
			t.Errorf("aliased variable not published under alias: %v", byVar)
		}
	default:
		t.Fatal("no changes sent on first poll")
	}

	// Unchanged values produce no change batch
	w.poll()
	select {
	case changes := <-m.changeChan:
		t.Fatalf("unexpected changes on unchanged poll: %+v", changes)
	default:
	}

	// A value update produces exactly one change
	drv.set("I003", int16(8))
	w.poll()
	select {
	case changes := <-m.changeChan:
		if len(changes) != 1 || changes[0].Variable != "I003" {
			t.Fatalf("expected single I003 change, got %+v", changes)
		}
	default:
		t.Fatal("no changes sent after value update")
	}

	if polled, _, err := w.GetStats(); polled != 2 || err != nil {
		t.Errorf("expected 2 vars polled, got %d (err %v)", polled, err)
	}
}

func TestPollReadErrorMarksRobot(t *testing.T) {
	drv := newFakeDriver()
	drv.Connect()
	drv.readErr = errors.New("connection reset")

	robot := newTestRobot("gp8", drv,
		config.VariableSelection{Spec: "I003", Enabled: true},
	)

	m := NewManager(time.Second)
	m.robots["gp8"] = robot
	w := newRobotWorker(robot, m, time.Second)

	w.poll()

	if robot.GetStatus() != StatusError {
		t.Errorf("expected StatusError after read failure, got %s", robot.GetStatus())
	}
	if robot.GetError() == nil {
		t.Error("expected LastError to be set")
	}
}

func TestPollSkipsDisconnected(t *testing.T) {
	drv := newFakeDriver()
	robot := newTestRobot("gp8", drv,
		config.VariableSelection{Spec: "I003", Enabled: true},
	)
	robot.Status = StatusConnecting
	robot.Config.Enabled = false

	m := NewManager(time.Second)
	m.robots["gp8"] = robot
	w := newRobotWorker(robot, m, time.Second)

	w.poll()

	select {
	case changes := <-m.changeChan:
		t.Fatalf("poll of non-connected robot sent changes: %+v", changes)
	default:
	}
}

func TestSendChangesDropsOldestUnderBackpressure(t *testing.T) {
	m := NewManager(time.Second)
	m.changeChan = make(chan []ValueChange, 1)

	m.sendChanges([]ValueChange{{Variable: "old"}})
	m.sendChanges([]ValueChange{{Variable: "new"}})

	got := <-m.changeChan
	if len(got) != 1 || got[0].Variable != "new" {
		t.Errorf("expected oldest batch dropped, got %+v", got)
	}
}

func TestManualReadWrite(t *testing.T) {
	drv := newFakeDriver()
	drv.Connect()
	drv.set("D0012", int32(42))

	robot := newTestRobot("gp8", drv)
	m := NewManager(time.Second)
	m.robots["gp8"] = robot

	val, err := m.ReadVariable("gp8", "D0012")
	if err != nil {
		t.Fatalf("ReadVariable: %v", err)
	}
	if val.Value != int32(42) || val.Type != hses.VarDouble {
		t.Errorf("unexpected value: %+v", val)
	}

	if err := m.WriteVariable("gp8", "I003", int16(9)); err != nil {
		t.Fatalf("WriteVariable: %v", err)
	}
	if drv.writes["I003"] != int16(9) {
		t.Errorf("write did not reach driver: %v", drv.writes)
	}

	if _, err := m.ReadVariable("nope", "D0012"); err == nil {
		t.Error("expected error for unknown robot")
	}

	robot.Status = StatusDisconnected
	if _, err := m.ReadVariable("gp8", "D0012"); err == nil {
		t.Error("expected error for disconnected robot")
	}
}

func TestOptionalSurfacesRejected(t *testing.T) {
	// fakeDriver implements neither file transfer nor motion
	drv := newFakeDriver()
	drv.Connect()
	robot := newTestRobot("gp8", drv)
	m := NewManager(time.Second)
	m.robots["gp8"] = robot

	if _, err := m.ListFiles("gp8", "*.JBI"); err == nil {
		t.Error("expected file transfer to be rejected")
	}
	if err := m.CancelSequence("gp8"); err == nil {
		t.Error("expected motion to be rejected")
	}
	if _, err := m.RobotStatus("gp8"); err == nil {
		t.Error("expected status to be rejected")
	}
}

func TestGetAllCurrentValues(t *testing.T) {
	drv := newFakeDriver()
	drv.Connect()
	drv.set("I003", int16(1))
	drv.set("S1", "hello")

	robot := newTestRobot("gp8", drv,
		config.VariableSelection{Spec: "I003", Enabled: true},
		config.VariableSelection{Spec: "S1", Alias: "greeting", Enabled: true},
	)
	m := NewManager(time.Second)
	m.robots["gp8"] = robot
	w := newRobotWorker(robot, m, time.Second)
	w.poll()

	values := m.GetAllCurrentValues()
	if len(values) != 2 {
		t.Fatalf("expected 2 cached values, got %d", len(values))
	}
	seen := make(map[string]bool)
	for _, v := range values {
		seen[v.Variable] = true
	}
	if !seen["I003"] || !seen["greeting"] {
		t.Errorf("missing cached values: %v", seen)
	}
}

func TestConnectionStatusString(t *testing.T) {
	cases := map[ConnectionStatus]string{
		StatusDisconnected:   "Disconnected",
		StatusConnecting:     "Connecting",
		StatusConnected:      "Connected",
		StatusError:          "Error",
		ConnectionStatus(99): "Unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("status %d: got %q, want %q", status, got, want)
		}
	}
}
