package driver

import (
	"fmt"
	"strconv"
	"strings"

	"motolink/hses"
)

// ParseSpec parses a pendant-style variable spec into its type and
// number. Recognized prefixes:
//
//	IO###  network input/output  B###  byte variable
//	M###   register              I###  integer variable
//	D###   double variable       R###  real variable
//	S###   string variable       P###  robot position variable
//	BP###  base position         EX### external axis
//
// Matching is case-insensitive and leading zeroes in the number are
// allowed ("D0012").
func ParseSpec(spec string) (hses.VarType, uint16, error) {
	s := strings.ToUpper(strings.TrimSpace(spec))
	if s == "" {
		return 0, 0, fmt.Errorf("ParseSpec: empty spec")
	}

	// Two-letter prefixes must be tried before their one-letter
	// overlaps (IO before I, BP before B, EX alone).
	var vt hses.VarType
	var rest string
	switch {
	case strings.HasPrefix(s, "IO"):
		vt, rest = hses.VarIO, s[2:]
	case strings.HasPrefix(s, "BP"):
		vt, rest = hses.VarBasePosition, s[2:]
	case strings.HasPrefix(s, "EX"):
		vt, rest = hses.VarExternalAxis, s[2:]
	case strings.HasPrefix(s, "M"):
		vt, rest = hses.VarRegister, s[1:]
	case strings.HasPrefix(s, "B"):
		vt, rest = hses.VarByte, s[1:]
	case strings.HasPrefix(s, "I"):
		vt, rest = hses.VarInteger, s[1:]
	case strings.HasPrefix(s, "D"):
		vt, rest = hses.VarDouble, s[1:]
	case strings.HasPrefix(s, "R"):
		vt, rest = hses.VarReal, s[1:]
	case strings.HasPrefix(s, "S"):
		vt, rest = hses.VarString, s[1:]
	case strings.HasPrefix(s, "P"):
		vt, rest = hses.VarRobotPosition, s[1:]
	default:
		return 0, 0, fmt.Errorf("ParseSpec: unknown variable prefix in %q", spec)
	}

	num, err := strconv.ParseUint(rest, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("ParseSpec: bad variable number in %q", spec)
	}
	return vt, uint16(num), nil
}
