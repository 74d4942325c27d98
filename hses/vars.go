package hses

import (
	"encoding/binary"
	"fmt"
	"math"
)

// VarType identifies one of the controller's variable classes. The code
// doubles as the wire command number for single-variable access; plural
// (batched) access offsets it by pluralCommandOffset.
type VarType uint16

const (
	VarIO            VarType = 0x78 // 1 byte, unsigned
	VarRegister      VarType = 0x79 // 2 bytes, unsigned
	VarByte          VarType = 0x7a // 1 byte, unsigned
	VarInteger       VarType = 0x7b // 2 bytes, signed
	VarDouble        VarType = 0x7c // 4 bytes, signed
	VarReal          VarType = 0x7d // 4 bytes, float
	VarString        VarType = 0x7e // up to 16 bytes, UTF-8
	VarRobotPosition VarType = 0x7f
	VarBasePosition  VarType = 0x80
	VarExternalAxis  VarType = 0x81
)

// Plural commands start at 0x300: base variable type plus this offset.
const pluralCommandOffset = 0x288

// MaxStringLen is the wire width of a string variable.
const MaxStringLen = 16

// Size returns the wire size in bytes of one value of this type.
func (t VarType) Size() int {
	switch t {
	case VarIO, VarByte:
		return 1
	case VarRegister, VarInteger:
		return 2
	case VarDouble, VarReal:
		return 4
	case VarString:
		return MaxStringLen
	case VarRobotPosition:
		return 48
	case VarBasePosition, VarExternalAxis:
		return 32
	default:
		return 0
	}
}

func (t VarType) String() string {
	switch t {
	case VarIO:
		return "IO"
	case VarRegister:
		return "Register"
	case VarByte:
		return "Byte"
	case VarInteger:
		return "Integer"
	case VarDouble:
		return "Double"
	case VarReal:
		return "Real"
	case VarString:
		return "String"
	case VarRobotPosition:
		return "RobotPosition"
	case VarBasePosition:
		return "BasePosition"
	case VarExternalAxis:
		return "ExternalAxis"
	default:
		return fmt.Sprintf("VarType(0x%x)", uint16(t))
	}
}

// composite reports whether the type round-trips through the
// get-all/set-all access mode (attribute 0) instead of single-attribute
// access.
func (t VarType) composite() bool {
	switch t {
	case VarRobotPosition, VarBasePosition, VarExternalAxis:
		return true
	}
	return false
}

// Position is the composite value of a RobotPosition variable.
// Coordinates are in the controller's native units: micrometres for
// x/y/z, 0.0001 degree for rotations.
type Position struct {
	DataType     uint32
	Form         uint32
	ToolNo       uint32
	UserCoordNo  uint32
	ExtendedForm uint32
	Axes         [7]int32
}

// AxisGroup is the composite value of a BasePosition or ExternalAxis
// variable.
type AxisGroup struct {
	DataType uint32
	Axes     [7]int32
}

// Variable couples a type tag and numeric address with a decoded value.
// The value shape per type: uint8 (IO, Byte), uint16 (Register), int16
// (Integer), int32 (Double), float32 (Real), string (String), Position
// (RobotPosition), AxisGroup (BasePosition, ExternalAxis).
type Variable struct {
	Type  VarType
	Num   uint16
	Value any
}

// DecodeValue interprets raw wire bytes as a value of the given type.
func DecodeValue(t VarType, raw []byte) (any, error) {
	if len(raw) < t.Size() {
		return nil, fmt.Errorf("DecodeValue: %s needs %d bytes, got %d", t, t.Size(), len(raw))
	}
	switch t {
	case VarIO, VarByte:
		return raw[0], nil
	case VarRegister:
		return binary.LittleEndian.Uint16(raw), nil
	case VarInteger:
		return int16(binary.LittleEndian.Uint16(raw)), nil
	case VarDouble:
		return int32(binary.LittleEndian.Uint32(raw)), nil
	case VarReal:
		return math.Float32frombits(binary.LittleEndian.Uint32(raw)), nil
	case VarString:
		return trimZeroes(raw[:MaxStringLen]), nil
	case VarRobotPosition:
		var p Position
		p.DataType = binary.LittleEndian.Uint32(raw[0:4])
		p.Form = binary.LittleEndian.Uint32(raw[4:8])
		p.ToolNo = binary.LittleEndian.Uint32(raw[8:12])
		p.UserCoordNo = binary.LittleEndian.Uint32(raw[12:16])
		p.ExtendedForm = binary.LittleEndian.Uint32(raw[16:20])
		for i := range p.Axes {
			p.Axes[i] = int32(binary.LittleEndian.Uint32(raw[20+4*i : 24+4*i]))
		}
		return p, nil
	case VarBasePosition, VarExternalAxis:
		var g AxisGroup
		g.DataType = binary.LittleEndian.Uint32(raw[0:4])
		for i := range g.Axes {
			g.Axes[i] = int32(binary.LittleEndian.Uint32(raw[4+4*i : 8+4*i]))
		}
		return g, nil
	default:
		return nil, fmt.Errorf("DecodeValue: unknown variable type 0x%x", uint16(t))
	}
}

// EncodeValue produces the wire bytes for a value of the given type.
// Scalar values accept the natural Go type; the value shape is a caller
// contract, so a mismatch is reported as an invalid argument.
func EncodeValue(t VarType, value any) ([]byte, error) {
	switch t {
	case VarIO, VarByte:
		v, ok := toUint64(value)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants an unsigned integer, got %T", t, value)
		}
		return []byte{byte(v)}, nil
	case VarRegister:
		v, ok := toUint64(value)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants an unsigned integer, got %T", t, value)
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(v)), nil
	case VarInteger:
		v, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants an integer, got %T", t, value)
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(int16(v))), nil
	case VarDouble:
		v, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants an integer, got %T", t, value)
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(int32(v))), nil
	case VarReal:
		f, ok := value.(float32)
		if !ok {
			if d, dok := value.(float64); dok {
				f, ok = float32(d), true
			}
		}
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants a float, got %T", t, value)
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(f)), nil
	case VarString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants a string, got %T", t, value)
		}
		if len(s) > MaxStringLen {
			return nil, fmt.Errorf("EncodeValue: string longer than %d bytes", MaxStringLen)
		}
		out := make([]byte, MaxStringLen)
		copy(out, s)
		return out, nil
	case VarRobotPosition:
		p, ok := value.(Position)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants a Position, got %T", t, value)
		}
		out := make([]byte, 0, 48)
		out = binary.LittleEndian.AppendUint32(out, p.DataType)
		out = binary.LittleEndian.AppendUint32(out, p.Form)
		out = binary.LittleEndian.AppendUint32(out, p.ToolNo)
		out = binary.LittleEndian.AppendUint32(out, p.UserCoordNo)
		out = binary.LittleEndian.AppendUint32(out, p.ExtendedForm)
		for _, a := range p.Axes {
			out = binary.LittleEndian.AppendUint32(out, uint32(a))
		}
		return out, nil
	case VarBasePosition, VarExternalAxis:
		g, ok := value.(AxisGroup)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %s wants an AxisGroup, got %T", t, value)
		}
		out := make([]byte, 0, 32)
		out = binary.LittleEndian.AppendUint32(out, g.DataType)
		for _, a := range g.Axes {
			out = binary.LittleEndian.AppendUint32(out, uint32(a))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("EncodeValue: unknown variable type 0x%x", uint16(t))
	}
}

// toUint64 widens any unsigned integer (or non-negative signed integer)
// value to uint64.
func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	if n, ok := toInt64(v); ok && n >= 0 {
		return uint64(n), true
	}
	return 0, false
}

// toInt64 widens any signed integer value to int64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
