package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PollRate != time.Second {
		t.Errorf("PollRate = %v, want 1s", cfg.PollRate)
	}
	if !cfg.Web.Enabled || cfg.Web.Port != 8080 {
		t.Errorf("Web = %+v, want enabled on 8080", cfg.Web)
	}
	if cfg.Robots == nil {
		t.Error("Robots should be an empty slice, not nil")
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "cell-1"
	cfg.PollRate = 250 * time.Millisecond
	cfg.AddRobot(RobotConfig{
		Name:    "gp8",
		Enabled: true,
		Host:    "192.168.1.31",
		Timeout: 800 * time.Millisecond,
		Variables: []VariableSelection{
			{Spec: "I003", Enabled: true},
			{Spec: "D0012", Alias: "part_count", Enabled: true},
		},
	})
	cfg.MQTT = append(cfg.MQTT, MQTTConfig{Name: "plant", Enabled: true, Broker: "mqtt.local", Port: 1883, ClientID: "motolink"})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Namespace != "cell-1" || loaded.PollRate != 250*time.Millisecond {
		t.Errorf("loaded = %+v", loaded)
	}
	r := loaded.FindRobot("gp8")
	if r == nil {
		t.Fatal("robot gp8 not found after reload")
	}
	if r.Host != "192.168.1.31" || len(r.Variables) != 2 {
		t.Errorf("robot = %+v", r)
	}
	if r.Variables[1].Key() != "part_count" {
		t.Errorf("alias key = %q, want part_count", r.Variables[1].Key())
	}
	if loaded.FindMQTT("plant") == nil {
		t.Error("mqtt config not found after reload")
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollRate != time.Second {
		t.Errorf("PollRate = %v, want default", cfg.PollRate)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := DefaultConfig().Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file missing: %v", err)
	}
}

func TestRobotHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddRobot(RobotConfig{Name: "a", Host: "h1"})
	cfg.AddRobot(RobotConfig{Name: "b", Host: "h2"})

	if !cfg.UpdateRobot("a", RobotConfig{Name: "a", Host: "h3"}) {
		t.Error("UpdateRobot returned false for existing robot")
	}
	if cfg.FindRobot("a").Host != "h3" {
		t.Error("update did not stick")
	}
	if !cfg.RemoveRobot("b") {
		t.Error("RemoveRobot returned false for existing robot")
	}
	if cfg.FindRobot("b") != nil {
		t.Error("robot b still present after removal")
	}
	if cfg.RemoveRobot("nope") {
		t.Error("RemoveRobot returned true for missing robot")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"empty config", func(c *Config) {}, false},
		{"valid namespace", func(c *Config) { c.Namespace = "plant-7.cell_2" }, false},
		{"invalid namespace", func(c *Config) { c.Namespace = "bad ns!" }, true},
		{"robot missing host", func(c *Config) { c.AddRobot(RobotConfig{Name: "r"}) }, true},
		{"duplicate robot names", func(c *Config) {
			c.AddRobot(RobotConfig{Name: "r", Host: "h"})
			c.AddRobot(RobotConfig{Name: "r", Host: "h"})
		}, true},
		{"unnamed robot", func(c *Config) { c.AddRobot(RobotConfig{Host: "h"}) }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestChangeListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()

	var mu sync.Mutex
	fired := 0
	done := make(chan struct{}, 2)
	id := cfg.AddOnChangeListener(func() {
		mu.Lock()
		fired++
		mu.Unlock()
		done <- struct{}{}
	})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener never fired")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("listener fired %d times, want 1", fired)
	}
}
