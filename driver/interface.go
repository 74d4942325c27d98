// Package driver provides the gateway-facing interface over a robot
// controller connection, plus the HSES adapter implementing it.
package driver

import "motolink/hses"

// Driver is the unified interface the rest of the gateway talks to.
type Driver interface {
	// Connection management
	Connect() error
	Close() error
	IsConnected() bool

	// Identification
	DeviceInfo() (*DeviceInfo, error)

	// Read/Write operations on variable specs ("I003", "D0012", "S1").
	Read(specs []string) ([]*VarValue, error)
	Write(spec string, value interface{}) error

	// Maintenance
	Keepalive() error
	IsConnectionError(err error) bool
}

// FileStore is the optional file-transfer surface of a driver.
type FileStore interface {
	SendFile(name string, content []byte) error
	RecvFile(name string) ([]byte, error)
	ListFiles(pattern string) ([]string, error)
	DeleteFile(name string) error
}

// MotionDriver is the optional waypoint-sequencing surface of a driver.
type MotionDriver interface {
	StartSequence(m hses.MoveTarget, waypoints [][7]int32, pulse bool, cb hses.MotionCallback) error
	CancelSequence()
	MotionState() hses.MotionState
}
