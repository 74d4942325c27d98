package driver

import (
	"fmt"

	"motolink/hses"
)

// ConvertValue converts a decoded JSON value (float64, bool or string)
// into the Go type the variable's codec expects. Integer targets reject
// fractional and out-of-range numbers instead of silently truncating.
func ConvertValue(value interface{}, varType hses.VarType) (interface{}, error) {
	var numVal float64
	var isNumber bool
	var boolVal bool
	var isBool bool
	var strVal string
	var isString bool

	switch v := value.(type) {
	case float64:
		numVal = v
		isNumber = true
	case bool:
		boolVal = v
		isBool = true
	case string:
		strVal = v
		isString = true
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}

	switch varType {
	case hses.VarIO, hses.VarByte:
		if isBool {
			if boolVal {
				return uint8(1), nil
			}
			return uint8(0), nil
		}
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to %s", value, varType)
		}
		if numVal < 0 || numVal > 255 || numVal != float64(uint8(numVal)) {
			return nil, fmt.Errorf("value %v out of range for %s (0 to 255)", numVal, varType)
		}
		return uint8(numVal), nil

	case hses.VarRegister:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to Register", value)
		}
		if numVal < 0 || numVal > 65535 || numVal != float64(uint16(numVal)) {
			return nil, fmt.Errorf("value %v out of range for Register (0 to 65535)", numVal)
		}
		return uint16(numVal), nil

	case hses.VarInteger:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to Integer", value)
		}
		if numVal < -32768 || numVal > 32767 || numVal != float64(int16(numVal)) {
			return nil, fmt.Errorf("value %v out of range for Integer (-32768 to 32767)", numVal)
		}
		return int16(numVal), nil

	case hses.VarDouble:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to Double", value)
		}
		if numVal < -2147483648 || numVal > 2147483647 || numVal != float64(int32(numVal)) {
			return nil, fmt.Errorf("value %v out of range for Double", numVal)
		}
		return int32(numVal), nil

	case hses.VarReal:
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to Real", value)
		}
		return float32(numVal), nil

	case hses.VarString:
		if !isString {
			return nil, fmt.Errorf("cannot convert %T to String", value)
		}
		return strVal, nil

	default:
		// Unknown type: pass the value through and let the driver
		// reject it if the shape is wrong.
		if isNumber && numVal == float64(int32(numVal)) {
			return int32(numVal), nil
		}
		return value, nil
	}
}
