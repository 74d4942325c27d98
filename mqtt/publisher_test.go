package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"motolink/config"
	"motolink/hses"
)

// TestChangeDetectionLogic tests the core change detection logic directly.
func TestChangeDetectionLogic(t *testing.T) {
	t.Run("identical values should not republish", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["gp8/I003"] = int16(100)

		cacheKey := "gp8/I003"
		value := int16(100)
		force := false

		lastValue, exists := cache[cacheKey]
		shouldPublish := !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if shouldPublish {
			t.Error("identical value should not republish")
		}
	})

	t.Run("different values should republish", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["gp8/I003"] = int16(100)

		cacheKey := "gp8/I003"
		value := int16(200)
		force := false

		lastValue, exists := cache[cacheKey]
		shouldPublish := !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if !shouldPublish {
			t.Error("different value should republish")
		}
	})

	t.Run("force flag should override change detection", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["gp8/I003"] = int16(100)

		cacheKey := "gp8/I003"
		value := int16(100)
		force := true

		lastValue, exists := cache[cacheKey]
		shouldPublish := !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if !shouldPublish {
			t.Error("force flag should override change detection")
		}
	})

	t.Run("new key should always publish", func(t *testing.T) {
		cache := make(map[string]interface{})

		cacheKey := "gp8/I003"
		force := false

		_, exists := cache[cacheKey]
		shouldPublish := !exists || force

		if !shouldPublish {
			t.Error("new key should always publish")
		}
	})

	t.Run("different robots are tracked separately", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["gp8/I003"] = int16(100)

		// Different robot, same variable and value
		cacheKey := "gp25/I003"

		_, exists := cache[cacheKey]
		shouldPublish := !exists

		if !shouldPublish {
			t.Error("different robots should be tracked separately")
		}
	})

	t.Run("different variables are tracked separately", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["gp8/I003"] = int16(100)

		// Same robot, different variable
		cacheKey := "gp8/D0012"

		_, exists := cache[cacheKey]
		shouldPublish := !exists

		if !shouldPublish {
			t.Error("different variables should be tracked separately")
		}
	})
}

// TestTopicLayout tests namespace/selector topic construction.
func TestTopicLayout(t *testing.T) {
	t.Run("without selector", func(t *testing.T) {
		pub := NewPublisher("plant", &config.MQTTConfig{Name: "main"})
		if topic := pub.BuildTopic("gp8", "part_count"); topic != "plant/gp8/vars/part_count" {
			t.Errorf("unexpected topic: %q", topic)
		}
	})

	t.Run("with selector", func(t *testing.T) {
		pub := NewPublisher("plant", &config.MQTTConfig{Name: "cell", Selector: "cell1"})
		if topic := pub.BuildTopic("gp8", "part_count"); topic != "plant/cell1/gp8/vars/part_count" {
			t.Errorf("unexpected topic: %q", topic)
		}
	})
}

// TestPublisher_MessagePayload tests that the JSON message payload is correct.
func TestPublisher_MessagePayload(t *testing.T) {
	t.Run("message includes all fields", func(t *testing.T) {
		msg := VarMessage{
			Namespace: "plant",
			Robot:     "gp8",
			Variable:  "part_count",
			Value:     int32(100),
			Type:      "Double",
			Writable:  true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		requiredFields := []string{"namespace", "robot", "variable", "value", "type", "writable", "timestamp"}
		for _, field := range requiredFields {
			if _, ok := decoded[field]; !ok {
				t.Errorf("missing required field: %s", field)
			}
		}
	})

	t.Run("type omitted when empty", func(t *testing.T) {
		msg := VarMessage{
			Namespace: "plant",
			Robot:     "gp8",
			Variable:  "part_count",
			Value:     int32(100),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		if _, ok := decoded["type"]; ok {
			t.Error("type should be omitted when empty")
		}
	})
}

// TestConcurrentCacheAccess tests thread safety of cache operations.
func TestConcurrentCacheAccess(t *testing.T) {
	cache := make(map[string]interface{})
	var mu sync.RWMutex

	var wg sync.WaitGroup
	robots := []string{"gp8", "gp25", "hc10"}
	vars := []string{"I003", "D0012", "B5"}

	for _, robot := range robots {
		for _, v := range vars {
			wg.Add(1)
			go func(robot, v string) {
				defer wg.Done()
				key := fmt.Sprintf("%s/%s", robot, v)

				mu.Lock()
				cache[key] = int16(100)
				mu.Unlock()
			}(robot, v)
		}
	}

	wg.Wait()

	mu.RLock()
	defer mu.RUnlock()

	expectedKeys := len(robots) * len(vars)
	if len(cache) != expectedKeys {
		t.Errorf("expected %d cache entries, got %d", expectedKeys, len(cache))
	}
}

// TestConvertValueForType tests type conversion for write operations.
func TestConvertValueForType(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		varType  hses.VarType
		expected interface{}
		hasError bool
	}{
		// Byte (uint8) conversions
		{"byte_valid", float64(200), hses.VarByte, uint8(200), false},
		{"byte_max", float64(255), hses.VarByte, uint8(255), false},
		{"byte_overflow", float64(256), hses.VarByte, nil, true},
		{"byte_negative", float64(-1), hses.VarByte, nil, true},
		{"byte_from_bool_true", true, hses.VarByte, uint8(1), false},
		{"byte_from_bool_false", false, hses.VarByte, uint8(0), false},

		// IO conversions behave like bytes
		{"io_valid", float64(1), hses.VarIO, uint8(1), false},
		{"io_from_bool", true, hses.VarIO, uint8(1), false},

		// Register (uint16) conversions
		{"register_valid", float64(50000), hses.VarRegister, uint16(50000), false},
		{"register_max", float64(65535), hses.VarRegister, uint16(65535), false},
		{"register_overflow", float64(65536), hses.VarRegister, nil, true},

		// Integer (int16) conversions
		{"integer_valid", float64(1000), hses.VarInteger, int16(1000), false},
		{"integer_min", float64(-32768), hses.VarInteger, int16(-32768), false},
		{"integer_max", float64(32767), hses.VarInteger, int16(32767), false},
		{"integer_overflow", float64(32768), hses.VarInteger, nil, true},

		// Double (int32) conversions
		{"double_valid", float64(100000), hses.VarDouble, int32(100000), false},
		{"double_negative", float64(-100000), hses.VarDouble, int32(-100000), false},
		{"double_fractional", float64(1.5), hses.VarDouble, nil, true},

		// Real (float32) conversions
		{"real_valid", float64(3.14), hses.VarReal, float32(3.14), false},

		// String conversions
		{"string_valid", "hello", hses.VarString, "hello", false},
		{"string_from_num", float64(123), hses.VarString, nil, true},

		// Unknown type handling
		{"unknown_type", "test", hses.VarType(0), "test", false},
		{"unknown_type_num", float64(7), hses.VarType(0), int32(7), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := convertValueForType(tc.value, tc.varType)

			if tc.hasError {
				if err == nil {
					t.Errorf("expected error for %s", tc.name)
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if fmt.Sprintf("%T %v", result, result) != fmt.Sprintf("%T %v", tc.expected, tc.expected) {
				t.Errorf("expected %v (%T), got %v (%T)", tc.expected, tc.expected, result, result)
			}
		})
	}
}

// TestPublisher_NewPublisher tests publisher creation.
func TestPublisher_NewPublisher(t *testing.T) {
	cfg := &config.MQTTConfig{
		Name:    "test",
		Broker:  "localhost",
		Port:    1883,
		Enabled: true,
	}
	pub := NewPublisher("plant", cfg)

	if pub == nil {
		t.Fatal("expected non-nil publisher")
	}
	if pub.Name() != "test" {
		t.Errorf("expected name 'test', got %q", pub.Name())
	}
	if pub.IsRunning() {
		t.Error("new publisher should not be running")
	}
}

// TestPublisher_Address tests address formatting.
func TestPublisher_Address(t *testing.T) {
	t.Run("tcp address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   1883,
			UseTLS: false,
		}
		pub := NewPublisher("plant", cfg)
		addr := pub.Address()

		if addr != "tcp://localhost:1883" {
			t.Errorf("expected 'tcp://localhost:1883', got %q", addr)
		}
	})

	t.Run("ssl address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   8883,
			UseTLS: true,
		}
		pub := NewPublisher("plant", cfg)
		addr := pub.Address()

		if addr != "ssl://localhost:8883" {
			t.Errorf("expected 'ssl://localhost:8883', got %q", addr)
		}
	})
}
