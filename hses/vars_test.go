package hses

import (
	"bytes"
	"testing"
)

func TestVarTypeSize(t *testing.T) {
	cases := []struct {
		t    VarType
		size int
	}{
		{VarIO, 1},
		{VarRegister, 2},
		{VarByte, 1},
		{VarInteger, 2},
		{VarDouble, 4},
		{VarReal, 4},
		{VarString, 16},
		{VarRobotPosition, 48},
		{VarBasePosition, 32},
		{VarExternalAxis, 32},
	}
	for _, c := range cases {
		if got := c.t.Size(); got != c.size {
			t.Errorf("%s.Size() = %d, want %d", c.t, got, c.size)
		}
	}
}

func TestScalarValueRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		t    VarType
		val  any
	}{
		{"io max", VarIO, uint8(0xff)},
		{"byte zero", VarByte, uint8(0)},
		{"register max", VarRegister, uint16(65535)},
		{"integer min", VarInteger, int16(-32768)},
		{"integer max", VarInteger, int16(32767)},
		{"double min", VarDouble, int32(-2147483648)},
		{"double positive", VarDouble, int32(123456789)},
		{"real", VarReal, float32(-3.25)},
		{"string", VarString, "HELLO"},
		{"string full width", VarString, "ABCDEFGHIJKLMNOP"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, err := EncodeValue(c.t, c.val)
			if err != nil {
				t.Fatalf("EncodeValue: %v", err)
			}
			if c.t == VarString && len(raw) != MaxStringLen {
				t.Errorf("string wire width = %d, want %d", len(raw), MaxStringLen)
			}
			got, err := DecodeValue(c.t, raw)
			if err != nil {
				t.Fatalf("DecodeValue: %v", err)
			}
			if got != c.val {
				t.Errorf("round trip = %v (%T), want %v (%T)", got, got, c.val, c.val)
			}
		})
	}
}

func TestPositionRoundTrip(t *testing.T) {
	p := Position{
		DataType:     16,
		Form:         4,
		ToolNo:       1,
		UserCoordNo:  0,
		ExtendedForm: 0,
		Axes:         [7]int32{185000, -5000, 400000, 1800000, 0, -900000, 0},
	}
	raw, err := EncodeValue(VarRobotPosition, p)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(raw) != 48 {
		t.Fatalf("wire width = %d, want 48", len(raw))
	}
	got, err := DecodeValue(VarRobotPosition, raw)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if got.(Position) != p {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
}

func TestAxisGroupRoundTrip(t *testing.T) {
	for _, vt := range []VarType{VarBasePosition, VarExternalAxis} {
		g := AxisGroup{DataType: 1, Axes: [7]int32{10, -20, 30, 0, 0, 0, 70}}
		raw, err := EncodeValue(vt, g)
		if err != nil {
			t.Fatalf("EncodeValue(%s): %v", vt, err)
		}
		if len(raw) != 32 {
			t.Fatalf("%s wire width = %d, want 32", vt, len(raw))
		}
		got, err := DecodeValue(vt, raw)
		if err != nil {
			t.Fatalf("DecodeValue(%s): %v", vt, err)
		}
		if got.(AxisGroup) != g {
			t.Errorf("%s round trip = %+v, want %+v", vt, got, g)
		}
	}
}

func TestEncodeValueContract(t *testing.T) {
	t.Run("wrong value shape", func(t *testing.T) {
		if _, err := EncodeValue(VarInteger, "not a number"); err == nil {
			t.Error("expected error for string into Integer")
		}
		if _, err := EncodeValue(VarString, 42); err == nil {
			t.Error("expected error for int into String")
		}
		if _, err := EncodeValue(VarRobotPosition, AxisGroup{}); err == nil {
			t.Error("expected error for AxisGroup into RobotPosition")
		}
	})

	t.Run("string too long", func(t *testing.T) {
		if _, err := EncodeValue(VarString, "ABCDEFGHIJKLMNOPQ"); err == nil {
			t.Error("expected error for 17-byte string")
		}
	})

	t.Run("widened integer shapes accepted", func(t *testing.T) {
		raw, err := EncodeValue(VarDouble, 42)
		if err != nil {
			t.Fatalf("EncodeValue(int): %v", err)
		}
		if !bytes.Equal(raw, []byte{42, 0, 0, 0}) {
			t.Errorf("encoded = % x, want 2a 00 00 00", raw)
		}
		if _, err := EncodeValue(VarByte, 7); err != nil {
			t.Errorf("EncodeValue(Byte, int): %v", err)
		}
		if _, err := EncodeValue(VarByte, -1); err == nil {
			t.Error("expected error for negative into Byte")
		}
	})
}

func TestDecodeValueShortPayload(t *testing.T) {
	if _, err := DecodeValue(VarDouble, []byte{1, 2}); err == nil {
		t.Error("expected error for 2-byte Double payload")
	}
	if _, err := DecodeValue(VarRobotPosition, make([]byte, 20)); err == nil {
		t.Error("expected error for truncated position payload")
	}
}

func TestStringValueZeroPadding(t *testing.T) {
	raw, err := EncodeValue(VarString, "AB")
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	want := append([]byte("AB"), make([]byte, 14)...)
	if !bytes.Equal(raw, want) {
		t.Errorf("encoded = % x, want zero-padded to 16", raw)
	}
}
