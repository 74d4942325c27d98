package hses

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Command numbers of the robot-control division.
const (
	cmdLastAlarm      uint16 = 0x70
	cmdAlarmInfo      uint16 = 0x71
	cmdStatus         uint16 = 0x72
	cmdJobInfo        uint16 = 0x73
	cmdAxisName       uint16 = 0x74
	cmdPosition       uint16 = 0x75
	cmdPositionError  uint16 = 0x76
	cmdTorque         uint16 = 0x77
	cmdResetAlarm     uint16 = 0x82
	cmdPower          uint16 = 0x83
	cmdCycle          uint16 = 0x84
	cmdPendantText    uint16 = 0x85
	cmdStartJob       uint16 = 0x86
	cmdSelectJob      uint16 = 0x87
	cmdManagementTime uint16 = 0x88
	cmdSystemInfo     uint16 = 0x89
	cmdMoveCartesian  uint16 = 0x8a
	cmdMovePulse      uint16 = 0x8b
)

// DefaultTimeout bounds every blocking receive when no explicit timeout
// is configured.
const DefaultTimeout = 800 * time.Millisecond

// Client talks to one controller. All operations are synchronous
// request/answer exchanges; the process-wide transmission lock
// serializes them across every Client in the process. A Client is safe
// for concurrent use.
type Client struct {
	host string
	t    *transport

	// Most recent vendor added-status code, retained for diagnosis
	// after a failed call.
	errnoMu sync.Mutex
	errno   uint16

	seq *sequencer
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-exchange reply timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.t.timeout = d }
}

// WithPorts overrides the robot-control and file-control UDP ports.
func WithPorts(robot, file int) Option {
	return func(c *Client) {
		c.t.robotPort = robot
		c.t.filePort = file
	}
}

// New creates a client for the controller at host. No traffic is sent
// until the first operation; sockets are opened per call.
func New(host string, opts ...Option) *Client {
	c := &Client{
		host: host,
		t: &transport{
			host:      host,
			timeout:   DefaultTimeout,
			robotPort: PortRobotControl,
			filePort:  PortFileControl,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.seq = newSequencer(c)
	return c
}

// Host returns the controller address this client targets.
func (c *Client) Host() string { return c.host }

// LastAddedStatus returns the vendor detail code of the most recent
// failed exchange. The same coarse status maps to many vendor error
// numbers, so diagnosis goes through this value.
func (c *Client) LastAddedStatus() uint16 {
	c.errnoMu.Lock()
	defer c.errnoMu.Unlock()
	return c.errno
}

func (c *Client) setAddedStatus(v uint16) {
	c.errnoMu.Lock()
	c.errno = v
	c.errnoMu.Unlock()
}

// exchange transmits one robot-control request and maps the answer to
// the uniform error model. The answer is returned for payload decoding
// on success.
func (c *Client) exchange(op string, req *Request) (*Answer, error) {
	ans := c.t.transmit(req.Marshal(), true)
	c.setAddedStatus(ans.AddedStatus)
	if ans.Status != StatusSuccess {
		return nil, &Error{Op: op, Status: ans.Status, AddedStatus: ans.AddedStatus}
	}
	return ans, nil
}

// robotRequest builds a robot-control division request.
func robotRequest(cmd, inst uint16, attr, service byte, data []byte) *Request {
	return &Request{
		Division:  DivisionRobotControl,
		Ack:       AckRequest,
		Command:   cmd,
		Instance:  inst,
		Attribute: attr,
		Service:   service,
		Data:      data,
	}
}

func u32data(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// SwitchPower turns a power domain on or off.
func (c *Client) SwitchPower(pt PowerType, sw Switch) error {
	req := robotRequest(cmdPower, uint16(pt), 0x01, SvcSetAttributeSingle, u32data(uint32(sw)))
	_, err := c.exchange("SwitchPower", req)
	return err
}

// SelectCycle selects the way a job in the pendant plays. Selecting
// CycleContinuous while the robot is in hold resumes playing.
func (c *Client) SelectCycle(ct CycleType) error {
	req := robotRequest(cmdCycle, 2, 0x01, SvcSetAttributeSingle, u32data(uint32(ct)))
	_, err := c.exchange("SelectCycle", req)
	return err
}

// MoveTarget is the per-move parameter block shared by Move and
// MovePulse. Axes is the target as 7 signed coordinates: cartesian
// (x, y, z, Rx, Ry, Rz, Re) or pulse counts per axis.
type MoveTarget struct {
	MoveType     MoveType
	Coordinate   CoordinateSystem // cartesian moves only
	SpeedClass   SpeedClass
	Speed        uint32
	Axes         [7]int32
	Form         uint32
	ExtendedForm uint32
	RobotNo      uint32
	StationNo    uint32
	ToolNo       uint32
	UserCoordNo  uint32
}

// withDefaults fills the robot number the controller expects when the
// caller leaves it zero.
func (m MoveTarget) withDefaults() MoveTarget {
	if m.RobotNo == 0 {
		m.RobotNo = 1
	}
	return m
}

// Move commands a cartesian move to the target position.
func (c *Client) Move(m MoveTarget) error {
	m = m.withDefaults()
	data := make([]byte, 0, 104)
	data = binary.LittleEndian.AppendUint32(data, m.RobotNo)
	data = binary.LittleEndian.AppendUint32(data, m.StationNo)
	data = binary.LittleEndian.AppendUint32(data, uint32(m.SpeedClass))
	data = binary.LittleEndian.AppendUint32(data, m.Speed)
	data = binary.LittleEndian.AppendUint32(data, uint32(m.Coordinate))
	for _, a := range m.Axes {
		data = binary.LittleEndian.AppendUint32(data, uint32(a))
	}
	data = binary.LittleEndian.AppendUint32(data, 0) // reserved
	data = binary.LittleEndian.AppendUint32(data, m.Form)
	data = binary.LittleEndian.AppendUint32(data, m.ExtendedForm)
	data = binary.LittleEndian.AppendUint32(data, m.ToolNo)
	data = binary.LittleEndian.AppendUint32(data, m.UserCoordNo)
	data = append(data, make([]byte, 36)...)

	req := robotRequest(cmdMoveCartesian, uint16(m.MoveType), 0x01, SvcSetAttributeAll, data)
	_, err := c.exchange("Move", req)
	return err
}

// MovePulse commands a move to the target pulse position.
func (c *Client) MovePulse(m MoveTarget) error {
	m = m.withDefaults()
	data := make([]byte, 0, 88)
	data = binary.LittleEndian.AppendUint32(data, m.RobotNo)
	data = binary.LittleEndian.AppendUint32(data, m.StationNo)
	data = binary.LittleEndian.AppendUint32(data, uint32(m.SpeedClass))
	data = binary.LittleEndian.AppendUint32(data, m.Speed)
	for _, a := range m.Axes {
		data = binary.LittleEndian.AppendUint32(data, uint32(a))
	}
	data = binary.LittleEndian.AppendUint32(data, 0) // reserved
	data = binary.LittleEndian.AppendUint32(data, m.ToolNo)
	data = append(data, make([]byte, 36)...)

	req := robotRequest(cmdMovePulse, uint16(m.MoveType), 0x01, SvcSetAttributeAll, data)
	_, err := c.exchange("MovePulse", req)
	return err
}

// decodeAlarm unpacks an alarm record payload.
func decodeAlarm(data []byte) (*Alarm, error) {
	if len(data) < 60 {
		return nil, fmt.Errorf("alarm payload too short: %d bytes", len(data))
	}
	return &Alarm{
		Code: binary.LittleEndian.Uint32(data[0:4]),
		Data: binary.LittleEndian.Uint32(data[4:8]),
		Type: binary.LittleEndian.Uint32(data[8:12]),
		Time: trimZeroes(data[12:28]),
		Name: trimZeroes(data[28:60]),
	}, nil
}

// LastAlarm retrieves the most recent alarm.
func (c *Client) LastAlarm() (*Alarm, error) {
	ans, err := c.exchange("LastAlarm", robotRequest(cmdLastAlarm, 1, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	a, err := decodeAlarm(ans.Data)
	if err != nil {
		return nil, fmt.Errorf("LastAlarm: %w", err)
	}
	return a, nil
}

// AlarmInfo retrieves one alarm by number. Numbers 1-100 are major
// failures, 1001-1100 monitor alarms, 2001-2100 user alarms (system),
// 3001-3100 user alarms (user), 4001-4100 offline alarms.
func (c *Client) AlarmInfo(alarmNum uint16) (*Alarm, error) {
	ans, err := c.exchange("AlarmInfo", robotRequest(cmdAlarmInfo, alarmNum, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	a, err := decodeAlarm(ans.Data)
	if err != nil {
		return nil, fmt.Errorf("AlarmInfo: %w", err)
	}
	return a, nil
}

// ResetAlarm resets alarms or cancels errors.
func (c *Client) ResetAlarm(rt ResetAlarmType) error {
	req := robotRequest(cmdResetAlarm, uint16(rt), 1, SvcSetAttributeSingle, u32data(1))
	_, err := c.exchange("ResetAlarm", req)
	return err
}

// Status retrieves the controller status words decoded into named flags.
func (c *Client) Status() (*Status, error) {
	ans, err := c.exchange("Status", robotRequest(cmdStatus, 1, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	if len(ans.Data) < 8 {
		return nil, fmt.Errorf("Status: payload too short: %d bytes", len(ans.Data))
	}
	d1 := binary.LittleEndian.Uint32(ans.Data[0:4])
	d2 := binary.LittleEndian.Uint32(ans.Data[4:8])
	return &Status{
		Step:           d1&0x01 != 0,
		OneCycle:       d1&0x02 != 0,
		AutoAndCont:    d1&0x04 != 0,
		Running:        d1&0x08 != 0,
		GuardSafe:      d1&0x10 != 0,
		Teach:          d1&0x20 != 0,
		Play:           d1&0x40 != 0,
		CmdRemote:      d1&0x80 != 0,
		HoldByPendant:  d2&0x02 != 0,
		HoldExternally: d2&0x04 != 0,
		HoldByCmd:      d2&0x08 != 0,
		Alarming:       d2&0x10 != 0,
		ErrorOccurring: d2&0x20 != 0,
		ServoOn:        d2&0x40 != 0,
	}, nil
}

// ExecutingJobInfo reads the name, line, step and speed override of the
// currently executing job.
func (c *Client) ExecutingJobInfo() (*JobInfo, error) {
	ans, err := c.exchange("ExecutingJobInfo", robotRequest(cmdJobInfo, 1, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	if len(ans.Data) < 44 {
		return nil, fmt.Errorf("ExecutingJobInfo: payload too short: %d bytes", len(ans.Data))
	}
	return &JobInfo{
		JobName:       trimZeroes(ans.Data[0:32]),
		LineNumber:    binary.LittleEndian.Uint32(ans.Data[32:36]),
		StepNumber:    binary.LittleEndian.Uint32(ans.Data[36:40]),
		SpeedOverride: binary.LittleEndian.Uint32(ans.Data[40:44]),
	}, nil
}

// PlayJob starts playing the selected job. SelectJob must have been
// performed first.
func (c *Client) PlayJob() error {
	req := robotRequest(cmdStartJob, 1, 1, SvcSetAttributeSingle, u32data(1))
	_, err := c.exchange("PlayJob", req)
	return err
}

// SelectJob selects a pendant job for later playing, starting at the
// given line. A trailing ".JBI" suffix is accepted and stripped.
func (c *Client) SelectJob(jobName string, lineNum uint32) error {
	if s := strings.ToUpper(jobName); strings.HasSuffix(s, ".JBI") {
		jobName = jobName[:len(jobName)-4]
	}
	if len(jobName) > 32 {
		return errInvalidArgument("SelectJob", "job name longer than 32 bytes")
	}
	data := make([]byte, 36)
	copy(data, jobName)
	binary.LittleEndian.PutUint32(data[32:36], lineNum)

	req := robotRequest(cmdSelectJob, 1, 0, SvcSetAttributeAll, data)
	_, err := c.exchange("SelectJob", req)
	return err
}

// AxisNames reads the configured name of each axis. robotNo 101 is R1
// in the cartesian coordinate.
func (c *Client) AxisNames(robotNo uint16) (*AxisNames, error) {
	ans, err := c.exchange("AxisNames", robotRequest(cmdAxisName, robotNo, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	if len(ans.Data) < 28 {
		return nil, fmt.Errorf("AxisNames: payload too short: %d bytes", len(ans.Data))
	}
	var names AxisNames
	for i := range names {
		names[i] = trimZeroes(ans.Data[4*i : 4*i+4])
	}
	return &names, nil
}

// Position reads the current robot position. robotNo 101 is R1 in the
// cartesian coordinate.
func (c *Client) Position(robotNo uint16) (*PositionInfo, error) {
	ans, err := c.exchange("Position", robotRequest(cmdPosition, robotNo, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	if len(ans.Data) < 20 {
		return nil, fmt.Errorf("Position: payload too short: %d bytes", len(ans.Data))
	}
	info := &PositionInfo{
		DataType:     binary.LittleEndian.Uint32(ans.Data[0:4]),
		Form:         binary.LittleEndian.Uint32(ans.Data[4:8]),
		ToolNo:       binary.LittleEndian.Uint32(ans.Data[8:12]),
		UserCoordNo:  binary.LittleEndian.Uint32(ans.Data[12:16]),
		ExtendedForm: binary.LittleEndian.Uint32(ans.Data[16:20]),
	}
	for off := 20; off+4 <= len(ans.Data); off += 4 {
		info.Axes = append(info.Axes, int32(binary.LittleEndian.Uint32(ans.Data[off:off+4])))
	}
	return info, nil
}

// decodeAxisData unpacks seven signed 32-bit axis values.
func decodeAxisData(op string, data []byte) (*AxisData, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("%s: payload too short: %d bytes", op, len(data))
	}
	var d AxisData
	for i := range d {
		d[i] = int32(binary.LittleEndian.Uint32(data[4*i : 4*i+4]))
	}
	return &d, nil
}

// PositionError reads the per-axis position error data.
func (c *Client) PositionError(robotNo uint16) (*AxisData, error) {
	ans, err := c.exchange("PositionError", robotRequest(cmdPositionError, robotNo, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	return decodeAxisData("PositionError", ans.Data)
}

// Torque reads the per-axis torque data.
func (c *Client) Torque(robotNo uint16) (*AxisData, error) {
	ans, err := c.exchange("Torque", robotRequest(cmdTorque, robotNo, 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	return decodeAxisData("Torque", ans.Data)
}

// SystemInfo acquires software identification for one subsystem.
func (c *Client) SystemInfo(t SystemInfoType) (*SystemInfo, error) {
	ans, err := c.exchange("SystemInfo", robotRequest(cmdSystemInfo, uint16(t), 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	if len(ans.Data) < 48 {
		return nil, fmt.Errorf("SystemInfo: payload too short: %d bytes", len(ans.Data))
	}
	return &SystemInfo{
		SoftwareVersion:  trimZeroes(ans.Data[0:24]),
		Model:            trimZeroes(ans.Data[24:40]),
		ParameterVersion: trimZeroes(ans.Data[40:48]),
	}, nil
}

// ManagementTime acquires the usage time of one action type.
func (c *Client) ManagementTime(t ManagementTimeType) (*ManagementTime, error) {
	ans, err := c.exchange("ManagementTime", robotRequest(cmdManagementTime, uint16(t), 0, SvcGetAttributeAll, nil))
	if err != nil {
		return nil, err
	}
	if len(ans.Data) < 28 {
		return nil, fmt.Errorf("ManagementTime: payload too short: %d bytes", len(ans.Data))
	}
	return &ManagementTime{
		Start:  trimZeroes(ans.Data[0:16]),
		Elapse: trimZeroes(ans.Data[16:28]),
	}, nil
}

// ShowTextOnPendant displays up to 30 bytes of text on the pendant.
func (c *Client) ShowTextOnPendant(text string) error {
	if len(text) > 30 {
		return errInvalidArgument("ShowTextOnPendant", "text longer than 30 bytes")
	}
	data := make([]byte, 32)
	copy(data, text)
	req := robotRequest(cmdPendantText, 1, 1, SvcSetAttributeSingle, data)
	_, err := c.exchange("ShowTextOnPendant", req)
	return err
}

// ReadVariable reads one variable and stores the decoded value in
// v.Value. Composite types go through get-all access; scalars and
// strings through single-attribute access.
func (c *Client) ReadVariable(v *Variable) error {
	attr, service := byte(1), SvcGetAttributeSingle
	if v.Type.composite() {
		attr, service = 0, SvcGetAttributeAll
	}
	ans, err := c.exchange("ReadVariable", robotRequest(uint16(v.Type), v.Num, attr, service, nil))
	if err != nil {
		return err
	}
	val, err := DecodeValue(v.Type, ans.Data)
	if err != nil {
		return fmt.Errorf("ReadVariable: %w", err)
	}
	v.Value = val
	return nil
}

// WriteVariable writes v.Value to the controller.
func (c *Client) WriteVariable(v *Variable) error {
	data, err := EncodeValue(v.Type, v.Value)
	if err != nil {
		return fmt.Errorf("WriteVariable: %w", err)
	}
	attr, service := byte(1), SvcSetAttributeSingle
	if v.Type.composite() {
		attr, service = 0, SvcSetAttributeAll
	}
	_, err = c.exchange("WriteVariable", robotRequest(uint16(v.Type), v.Num, attr, service, data))
	return err
}

// readConsecutive reads a run of ≥2 same-type variables with one plural
// command. vars must already be sorted by consecutive address.
func (c *Client) readConsecutive(vars []*Variable) error {
	vt := vars[0].Type
	size := vt.Size()

	// The protocol requires an even count for 1-byte variable types.
	count := uint32(len(vars))
	if size == 1 && count%2 == 1 {
		count++
	}

	req := robotRequest(uint16(vt)+pluralCommandOffset, vars[0].Num, 0, SvcReadPlural, u32data(count))
	ans, err := c.exchange("ReadVariables", req)
	if err != nil {
		return err
	}

	// Answer payload: a count field, then the fixed-width values packed
	// contiguously in address order.
	for i, v := range vars {
		start := 4 + size*i
		if start+size > len(ans.Data) {
			return fmt.Errorf("ReadVariables: plural payload too short: %d bytes", len(ans.Data))
		}
		val, err := DecodeValue(vt, ans.Data[start:start+size])
		if err != nil {
			return fmt.Errorf("ReadVariables: %w", err)
		}
		v.Value = val
	}
	return nil
}

// ReadVariables reads multiple variables of one type, merging runs of
// consecutive addresses into single plural requests. Strings are never
// batched (the plural wire format carries only fixed-width values), and
// single addresses go through the plain path. All runs are attempted
// even after a failure; the returned error reflects the first failure
// while successfully read variables keep their decoded values.
func (c *Client) ReadVariables(vars []*Variable) error {
	if len(vars) == 0 {
		return errInvalidArgument("ReadVariables", "empty variable list")
	}
	vt := vars[0].Type
	byNum := make(map[uint16]*Variable, len(vars))
	nums := make([]uint16, 0, len(vars))
	for _, v := range vars {
		if v.Type != vt {
			return errInvalidArgument("ReadVariables", "mixed variable types")
		}
		if _, dup := byNum[v.Num]; !dup {
			nums = append(nums, v.Num)
		}
		byNum[v.Num] = v
	}

	// The aggregate failure indicator is the bitwise OR of every
	// sub-exchange's status byte; which specific run failed is
	// deliberately not distinguished. Non-protocol errors (decode
	// failures) are kept as-is.
	var agg byte
	var aggAdded uint16
	var firstErr error
	keep := func(err error) {
		if err == nil {
			return
		}
		if e, ok := err.(*Error); ok {
			agg |= e.Status
			if aggAdded == 0 {
				aggAdded = e.AddedStatus
			}
			return
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, run := range consecutiveRuns(nums) {
		switch {
		case len(run) == 1:
			keep(c.ReadVariable(byNum[run[0]]))
		case vt == VarString:
			for _, n := range run {
				keep(c.ReadVariable(byNum[n]))
			}
		default:
			batch := make([]*Variable, len(run))
			for i, n := range run {
				batch[i] = byNum[n]
			}
			keep(c.readConsecutive(batch))
		}
	}
	if agg != 0 {
		return &Error{Op: "ReadVariables", Status: agg, AddedStatus: aggAdded}
	}
	return firstErr
}
