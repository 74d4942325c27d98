// Motolink - Yaskawa robot gateway
//
// Polls FS100/HSES robot controllers and republishes variable values
// over a REST/SSE API, MQTT, Valkey, and Kafka, with write-back from
// each broker.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"motolink/api"
	"motolink/config"
	"motolink/driver"
	"motolink/hses"
	"motolink/kafka"
	"motolink/logging"
	"motolink/mqtt"
	"motolink/robotman"
	"motolink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logFile     = flag.String("log", "", "Write runtime log to this file")
	logDebug    = flag.String("log-debug", "", "Enable protocol debug logging to debug.log; value is a comma-separated protocol filter or 'all'")
)

// mqttDebugLogger routes MQTT package debug output to the global debug log.
type mqttDebugLogger struct{}

func (mqttDebugLogger) LogMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// valkeyDebugLogger routes Valkey package debug output to the global debug log.
type valkeyDebugLogger struct{}

func (valkeyDebugLogger) LogValkey(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// kafkaDebugLogger routes Kafka package debug output to the global debug log.
type kafkaDebugLogger struct{}

func (kafkaDebugLogger) LogKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("motolink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

func run(cfg *config.Config) {
	// Set up file logging if specified
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}

	// Set up debug logging if specified (flag wins over config)
	debugFilter := cfg.DebugLog
	if *logDebug != "" {
		debugFilter = *logDebug
	}
	var debugLogger *logging.DebugLogger
	if debugFilter != "" {
		var err error
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := debugFilter
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
		}
	}

	// Route broker package debug output through the global debug log
	mqtt.SetDebugLogger(mqttDebugLogger{})
	valkey.SetDebugLogger(valkeyDebugLogger{})
	kafka.SetDebugLogger(kafkaDebugLogger{})

	// Create robot manager
	manager := robotman.NewManager(cfg.PollRate)
	manager.LoadFromConfig(cfg)

	// Create REST/SSE server
	apiServer := api.NewServer(manager, &cfg.Web)

	// Create broker managers
	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.Namespace, cfg.MQTT)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Namespace, cfg.Valkey)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfigs(cfg.Kafka)

	// Set up publishing on value changes
	setupValueChangeHandlers(manager, apiServer, mqttMgr, valkeyMgr, kafkaMgr)

	// Set up MQTT/Valkey/Kafka write-back
	consumers := setupWriteHandlers(cfg, manager, mqttMgr, valkeyMgr, kafkaMgr)

	// Robot names for MQTT write subscriptions
	robotNames := make([]string, len(cfg.Robots))
	for i, r := range cfg.Robots {
		robotNames[i] = r.Name
	}
	mqttMgr.SetRobotNames(robotNames)

	// Valkey on-connect callback for initial sync
	valkeyMgr.SetOnConnectCallback(func() {
		forcePublishAllValuesToValkey(manager, valkeyMgr)
	})

	// Start manager polling
	manager.Start()

	// Start REST server if enabled
	if cfg.Web.Enabled {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST server: %v\n", err)
		} else {
			fmt.Printf("REST API at %s\n", apiServer.Address())
		}
	}

	// Auto-connect enabled robots first (so we have values to publish)
	manager.ConnectEnabled()

	// Auto-start enabled MQTT publishers in background
	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			forcePublishAllValuesToMQTT(manager, mqttMgr)
		}
	}()

	// Auto-start enabled Valkey publishers in background
	go valkeyMgr.StartAll()

	// Auto-connect enabled Kafka clusters, then start write-back consumers
	go func() {
		kafkaMgr.ConnectEnabled()
		for _, c := range consumers {
			if err := c.Start(); err != nil {
				logging.DebugError("kafka", "consumer start", err)
			}
		}
	}()

	// Health publishing loop
	go publishHealthLoop(manager, valkeyMgr, kafkaMgr)

	if fileLogger != nil {
		fileLogger.Info("motolink %s started, %d robots configured", Version, len(cfg.Robots))
	}
	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	// Graceful shutdown with a hard deadline
	shutdownDone := make(chan struct{})
	go func() {
		for _, c := range consumers {
			c.Stop()
		}
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		apiServer.Stop()
		manager.Stop()
		manager.DisconnectAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Info("motolink stopped")
		fileLogger.Close()
	}
	if debugLogger != nil {
		debugLogger.Close()
	}

	fmt.Println("Stopped")
}

// setupValueChangeHandlers fans polled variable changes out to the SSE
// hub and the broker publishers. Each broker publishes in its own
// goroutine so a slow one cannot block the others.
func setupValueChangeHandlers(manager *robotman.Manager, apiServer *api.Server, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	manager.SetOnValueChange(func(changes []robotman.ValueChange) {
		apiServer.BroadcastValueChanges(changes)

		mqttRunning := mqttMgr.AnyRunning()
		valkeyRunning := valkeyMgr.AnyRunning()
		kafkaPublishing := kafkaMgr.AnyPublishing()
		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		// Copy changes for the publisher goroutines
		changesCopy := make([]robotman.ValueChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					mqttMgr.Publish(c.Robot, c.Variable, c.TypeName, c.Value, false)
				}
			}()
		}

		if valkeyRunning {
			go func() {
				for _, c := range changesCopy {
					valkeyMgr.Publish(c.Robot, c.Variable, c.TypeName, c.Value, true)
				}
			}()
		}

		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					// force=true since OnValueChange already confirms
					// this is a changed value
					kafkaMgr.Publish(c.Robot, c.Variable, c.TypeName, c.Value, true, true)
				}
			}()
		}
	})

	manager.SetOnChange(func() {
		apiServer.BroadcastStatusChange()
	})
}

// setupWriteHandlers wires broker write requests back to the robots and
// returns the Kafka write-back consumers, not yet started.
func setupWriteHandlers(cfg *config.Config, manager *robotman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) []*kafka.Consumer {
	// resolveSpec maps a published name (alias or raw address) back to
	// the variable address the driver writes.
	resolveSpec := func(robotName, varName string) string {
		rc := cfg.FindRobot(robotName)
		if rc == nil {
			return varName
		}
		for _, sel := range rc.Variables {
			if sel.Enabled && (sel.Alias == varName || sel.Spec == varName) {
				return sel.Spec
			}
		}
		return varName
	}

	writeHandler := func(robotName, varName string, value interface{}) error {
		spec := resolveSpec(robotName, varName)
		// Valkey and Kafka deliver raw JSON values; coerce them to the
		// variable's Go type. Already-typed values pass through.
		if vt, _, err := driver.ParseSpec(spec); err == nil {
			if conv, err := driver.ConvertValue(value, vt); err == nil {
				value = conv
			}
		}
		return manager.WriteVariable(robotName, spec, value)
	}

	writeValidator := func(robotName, varName string) bool {
		rc := cfg.FindRobot(robotName)
		if rc == nil {
			return false
		}
		for _, sel := range rc.Variables {
			if sel.Enabled && (sel.Alias == varName || sel.Spec == varName) {
				return true
			}
		}
		return false
	}

	varTypeLookup := func(robotName, varName string) hses.VarType {
		vt, _, err := driver.ParseSpec(resolveSpec(robotName, varName))
		if err != nil {
			return 0
		}
		return vt
	}

	mqttMgr.SetWriteHandler(writeHandler)
	mqttMgr.SetWriteValidator(writeValidator)
	mqttMgr.SetVarTypeLookup(varTypeLookup)

	valkeyMgr.SetWriteHandler(writeHandler)
	valkeyMgr.SetWriteValidator(writeValidator)

	var consumers []*kafka.Consumer
	for i := range cfg.Kafka {
		kc := &cfg.Kafka[i]
		if !kc.Enabled || !kc.EnableWriteback {
			continue
		}
		c := kafka.NewConsumer(kc, kafkaMgr.GetProducer(kc.Name))
		c.SetWriteHandler(writeHandler)
		c.SetWriteValidator(writeValidator)
		consumers = append(consumers, c)
	}
	return consumers
}

// forcePublishAllValuesToMQTT publishes all current values for initial sync.
func forcePublishAllValuesToMQTT(manager *robotman.Manager, mqttMgr *mqtt.Manager) {
	values := manager.GetAllCurrentValues()
	logging.DebugLog("mqtt", "initial sync: publishing %d values", len(values))
	for _, v := range values {
		mqttMgr.Publish(v.Robot, v.Variable, v.TypeName, v.Value, true)
	}
}

// forcePublishAllValuesToValkey publishes all current values for initial sync.
func forcePublishAllValuesToValkey(manager *robotman.Manager, valkeyMgr *valkey.Manager) {
	values := manager.GetAllCurrentValues()
	logging.DebugLog("valkey", "initial sync: publishing %d values", len(values))
	for _, v := range values {
		valkeyMgr.Publish(v.Robot, v.Variable, v.TypeName, v.Value, true)
	}
}

// publishHealthLoop publishes robot health to Valkey and Kafka every
// 10 seconds.
func publishHealthLoop(manager *robotman.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	time.Sleep(2 * time.Second)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	publishAllHealth(manager, valkeyMgr, kafkaMgr)
	for range ticker.C {
		publishAllHealth(manager, valkeyMgr, kafkaMgr)
	}
}

func publishAllHealth(manager *robotman.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	for _, robot := range manager.ListRobots() {
		status := robot.GetStatus()
		online := status == robotman.StatusConnected
		errMsg := ""
		if err := robot.GetError(); err != nil {
			errMsg = err.Error()
		}

		valkeyMgr.PublishHealth(robot.Config.Name, online, status.String(), errMsg)
		kafkaMgr.PublishHealth(robot.Config.Name, online, status.String(), errMsg)
	}
}
