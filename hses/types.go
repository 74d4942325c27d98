package hses

// PowerType selects a controller power domain.
type PowerType uint16

const (
	PowerHold  PowerType = 1
	PowerServo PowerType = 2
	PowerHLock PowerType = 3
)

// Switch turns a power domain on or off.
type Switch uint32

const (
	SwitchOn  Switch = 1
	SwitchOff Switch = 2
)

// CycleType selects how a job in the pendant plays.
type CycleType uint32

const (
	CycleStep       CycleType = 1
	CycleOne        CycleType = 2
	CycleContinuous CycleType = 3
)

// MoveType selects the path interpolation of a move command.
type MoveType uint16

const (
	MoveJointAbsolute     MoveType = 1
	MoveLinearAbsolute    MoveType = 2
	MoveLinearIncremental MoveType = 3
)

// SpeedClass selects the unit of the move speed value.
type SpeedClass uint32

const (
	SpeedPercent    SpeedClass = 0 // 0.01 %, joint operation
	SpeedMillimeter SpeedClass = 1 // 0.1 mm/s
	SpeedDegree     SpeedClass = 2 // 0.1 degree/s
)

// CoordinateSystem selects the frame of a cartesian move.
type CoordinateSystem uint32

const (
	CoordBase  CoordinateSystem = 16
	CoordRobot CoordinateSystem = 17
	CoordUser  CoordinateSystem = 18
	CoordTool  CoordinateSystem = 19
)

// ResetAlarmType selects whether to reset alarms or cancel errors.
type ResetAlarmType uint16

const (
	ResetAlarm  ResetAlarmType = 1
	CancelError ResetAlarmType = 2
)

// SystemInfoType selects the subsystem queried by SystemInfo.
type SystemInfoType uint16

const (
	SystemR1          SystemInfoType = 11
	SystemR2          SystemInfoType = 12
	SystemS1          SystemInfoType = 21
	SystemS2          SystemInfoType = 22
	SystemS3          SystemInfoType = 23
	SystemApplication SystemInfoType = 101
)

// ManagementTimeType selects the usage counter queried by ManagementTime.
type ManagementTimeType uint16

const (
	TimeControlPowerOn  ManagementTimeType = 1
	TimeServoPowerTotal ManagementTimeType = 10
	TimeServoPowerR1    ManagementTimeType = 11
	TimeServoPowerR2    ManagementTimeType = 12
	TimeServoPowerS1    ManagementTimeType = 21
	TimeServoPowerS2    ManagementTimeType = 22
	TimeServoPowerS3    ManagementTimeType = 23
	TimePlaybackTotal   ManagementTimeType = 110
	TimePlaybackR1      ManagementTimeType = 111
	TimePlaybackR2      ManagementTimeType = 112
	TimePlaybackS1      ManagementTimeType = 121
	TimePlaybackS2      ManagementTimeType = 122
	TimePlaybackS3      ManagementTimeType = 123
	TimeMotionTotal     ManagementTimeType = 210
	TimeMotionR1        ManagementTimeType = 211
	TimeMotionR2        ManagementTimeType = 212
	TimeMotionS1        ManagementTimeType = 221
	TimeMotionS2        ManagementTimeType = 222
	TimeMotionS3        ManagementTimeType = 223
	TimeOperation       ManagementTimeType = 301
)

// Status is the decoded controller status word pair.
type Status struct {
	Step           bool
	OneCycle       bool
	AutoAndCont    bool
	Running        bool
	GuardSafe      bool
	Teach          bool
	Play           bool
	CmdRemote      bool
	HoldByPendant  bool
	HoldExternally bool
	HoldByCmd      bool
	Alarming       bool
	ErrorOccurring bool
	ServoOn        bool
}

// Alarm describes one controller alarm record.
type Alarm struct {
	Code uint32
	Data uint32
	Type uint32
	Time string
	Name string
}

// JobInfo describes the currently executing job.
type JobInfo struct {
	JobName       string
	LineNumber    uint32
	StepNumber    uint32
	SpeedOverride uint32
}

// PositionInfo is the controller's current position report.
type PositionInfo struct {
	DataType     uint32
	Form         uint32
	ToolNo       uint32
	UserCoordNo  uint32
	ExtendedForm uint32
	Axes         []int32
}

// AxisData is a per-axis numeric report (position error, torque).
type AxisData [7]int32

// AxisNames holds the configured name of each axis.
type AxisNames [7]string

// SystemInfo is the controller's software identification.
type SystemInfo struct {
	SoftwareVersion  string
	Model            string
	ParameterVersion string
}

// ManagementTime is a usage-time record for one action type.
type ManagementTime struct {
	Start  string
	Elapse string
}
