package kafka

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"motolink/config"
)

func TestManager_ChangeDetection(t *testing.T) {
	t.Run("identical values should not republish", func(t *testing.T) {
		m := NewManager()
		defer m.StopAll()

		cacheKey := "cluster1/gp8/I003"
		m.lastValues[cacheKey] = int16(100)

		value := int16(100)
		lastValue, exists := m.lastValues[cacheKey]
		shouldPublish := !exists || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if shouldPublish {
			t.Error("identical value should not republish")
		}
	})

	t.Run("different values should republish", func(t *testing.T) {
		m := NewManager()
		defer m.StopAll()

		cacheKey := "cluster1/gp8/I003"
		m.lastValues[cacheKey] = int16(100)

		value := int16(200)
		lastValue, exists := m.lastValues[cacheKey]
		shouldPublish := !exists || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if !shouldPublish {
			t.Error("different value should republish")
		}
	})

	t.Run("different clusters are tracked separately", func(t *testing.T) {
		m := NewManager()
		defer m.StopAll()

		m.lastValues["cluster1/gp8/I003"] = int16(100)

		// Same robot/variable on a different cluster
		_, exists := m.lastValues["cluster2/gp8/I003"]
		if exists {
			t.Error("different clusters should be tracked separately")
		}
	})
}

func TestVarMessage_Payload(t *testing.T) {
	msg := VarMessage{
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

	requiredFields := []string{"robot", "variable", "value", "type", "writable", "timestamp"}
	for _, field := range requiredFields {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

func TestHealthMessage_Payload(t *testing.T) {
	msg := HealthMessage{
		Robot:     "gp8",
		Online:    false,
		Status:    "Error",
		Error:     "connection timeout",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded HealthMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Robot != "gp8" || decoded.Online || decoded.Error != "connection timeout" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestManager_ConcurrentPublish(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	// No connected producers, so Publish only exercises the cache and
	// cluster iteration paths.
	m.AddCluster(&config.KafkaConfig{
		Name:           "cluster1",
		Brokers:        []string{"localhost:9092"},
		PublishChanges: true,
		Topic:          "motolink.vars",
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Publish("gp8", fmt.Sprintf("I%03d", n), "Integer", int16(n), false, false)
		}(i)
	}
	wg.Wait()
}

func TestManager_ClearLastValues(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	m.lastValues["cluster1/gp8/I003"] = int16(100)
	m.lastValues["cluster1/gp8/D0012"] = int32(5)

	m.ClearLastValues()

	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	if len(m.lastValues) != 0 {
		t.Errorf("expected empty cache after clear, got %d entries", len(m.lastValues))
	}
}

func TestManager_Clusters(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	cfg := DefaultClusterConfig("plant")
	m.AddCluster(&cfg)

	if len(m.ListClusters()) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(m.ListClusters()))
	}
	if m.GetProducer("plant") == nil {
		t.Fatal("expected producer for added cluster")
	}

	// Duplicate add is a no-op
	m.AddCluster(&cfg)
	if len(m.ListClusters()) != 1 {
		t.Errorf("duplicate add should not create a second producer")
	}

	status, _ := m.GetClusterStatus("plant")
	if status != StatusDisconnected {
		t.Errorf("expected Disconnected, got %s", status)
	}

	if _, err := m.GetClusterStatus("nope"); err == nil {
		t.Error("expected error for unknown cluster")
	}

	m.RemoveCluster("plant")
	if len(m.ListClusters()) != 0 {
		t.Errorf("expected no clusters after remove")
	}
}

func TestDefaultClusterConfig(t *testing.T) {
	cfg := DefaultClusterConfig("plant")

	if cfg.Name != "plant" {
		t.Errorf("expected name 'plant', got %q", cfg.Name)
	}
	if cfg.RequiredAcks != -1 {
		t.Errorf("expected RequiredAcks -1, got %d", cfg.RequiredAcks)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.Enabled {
		t.Error("new cluster config should be disabled")
	}
}

func TestConsumerTopics(t *testing.T) {
	cfg := &config.KafkaConfig{Name: "plant", Topic: "motolink.vars"}
	c := NewConsumer(cfg, nil)

	if got := c.writeTopic(); got != "motolink.vars.writes" {
		t.Errorf("unexpected write topic: %q", got)
	}
	if got := c.responseTopic(); got != "motolink.vars.writes.responses" {
		t.Errorf("unexpected response topic: %q", got)
	}
	if got := c.consumerGroup(); got != "motolink-plant" {
		t.Errorf("unexpected consumer group: %q", got)
	}
}

func TestConsumerStartRequiresTopic(t *testing.T) {
	cfg := &config.KafkaConfig{Name: "plant"}
	c := NewConsumer(cfg, nil)

	if err := c.Start(); err == nil {
		t.Error("expected Start to fail without a topic")
	}
	if c.IsRunning() {
		t.Error("consumer should not be running after failed start")
	}
}
