package driver

import "motolink/hses"

// VarValue holds one read result. Value carries the decoded Go value
// (shape per hses.Variable); Error is the per-variable failure, nil on
// success.
type VarValue struct {
	Spec  string
	Type  hses.VarType
	Num   uint16
	Value interface{}
	Error error
}

// TypeName returns the human-readable variable type name.
func (v *VarValue) TypeName() string {
	if v == nil {
		return ""
	}
	return v.Type.String()
}

// DeviceInfo contains identification of the connected controller.
type DeviceInfo struct {
	Model            string
	SoftwareVersion  string
	ParameterVersion string
}
