// AV Control Core - venue device orchestration.
//
// This is the main entry point for the avcore daemon. It supervises the
// venue's AV devices (matrix switchers, displays, set-top boxes) over
// persistent TCP connections and runs sequenced route/probe/restore
// operations against them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/dfultonthebar/av-control-core/migrations"

	"github.com/dfultonthebar/av-control-core/internal/alert"
	"github.com/dfultonthebar/av-control-core/internal/api"
	"github.com/dfultonthebar/av-control-core/internal/connection"
	"github.com/dfultonthebar/av-control-core/internal/control"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/database"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/influxdb"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/logging"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/mqtt"
	"github.com/dfultonthebar/av-control-core/internal/sequence"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting AV control core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database and run migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Alert notifier publishes over MQTT when available
	var notifier *alert.Notifier
	if mqttClient != nil {
		notifier = alert.NewNotifier(mqttClient, cfg.Site.ID, log)
	}

	// Health observations fan out to MQTT (retained status) and InfluxDB
	health := &healthPublisher{
		mqtt:   mqttClient,
		influx: influxClient,
		log:    log,
	}

	// Connection manager owns one supervised worker per device
	connOpts := connection.Options{
		Dialer: &connection.TCPDialer{
			Timeout:   cfg.Connections.ConnectTimeout(),
			AuthToken: cfg.Connections.AuthToken,
		},
		Logger: log,
		Health: health,
	}
	if notifier != nil {
		connOpts.Alerts = notifier
	}
	manager := connection.New(cfg.Connections, connOpts)
	defer func() {
		log.Info("closing connection manager")
		if closeErr := manager.Close(); closeErr != nil {
			log.Error("error closing connection manager", "error", closeErr)
		}
	}()
	log.Info("connection manager started",
		"health_interval_ms", cfg.Connections.HealthIntervalMS,
		"failure_threshold", cfg.Connections.FailureThreshold,
	)

	// Routing and probing run through the configured matrix templates
	matrix := control.NewMatrix(cfg.Matrix, manager)
	probe := control.NewProbeAdapter(cfg.Matrix, manager)

	// Sequencer
	repo := sequence.NewSQLiteRepository(db)
	seqDeps := sequence.Deps{
		Router:         matrix,
		Adapter:        probe,
		Repository:     repo,
		Logger:         log,
		DefaultUtility: cfg.Matrix.UtilityInput,
	}
	if notifier != nil {
		seqDeps.Alerts = notifier
	}
	runner := sequence.New(cfg.Sequencer, seqDeps)
	log.Info("sequencer started",
		"matrix", cfg.Matrix.Address,
		"utility_input", cfg.Matrix.UtilityInput,
	)

	// Forward operation events to InfluxDB timings
	go consumeEvents(ctx, runner.Events(), influxClient)

	// API server
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		Logger:      log,
		Runner:      runner,
		Connections: manager,
		Results:     repo,
		DB:          db,
		MQTT:        mqttClient,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify infrastructure is healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Connection manager
	// 3. InfluxDB (if enabled)
	// 4. MQTT (if enabled)
	// 5. Database

	log.Info("AV control core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses AVCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AVCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy. MQTT and
// InfluxDB may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// consumeEvents drains the sequencer's success events and forwards
// realized timings to InfluxDB. Runs until the channel closes or the
// context is cancelled.
func consumeEvents(ctx context.Context, events <-chan sequence.Event, influxClient *influxdb.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if influxClient != nil {
				influxClient.WriteOperationTiming(ev.Kind, sequence.StatusSucceeded, string(ev.Reason), ev.DurationMS)
			}
		}
	}
}

// deviceStatusPayload is the retained per-device status message.
type deviceStatusPayload struct {
	Address   string `json:"address"`
	State     string `json:"state"`
	LatencyMS int64  `json:"latency_ms"`
	Timestamp string `json:"timestamp"`
}

// healthPublisher fans per-probe health observations out to the retained
// MQTT device status topic and the InfluxDB device_health measurement.
// Either destination may be nil.
type healthPublisher struct {
	mqtt   *mqtt.Client
	influx *influxdb.Client
	log    *logging.Logger
	topics mqtt.Topics
}

// RecordDeviceHealth implements connection.HealthRecorder.
func (h *healthPublisher) RecordDeviceHealth(address string, state string, latencyMS int64) {
	if h.influx != nil {
		h.influx.WriteDeviceHealth(address, state, latencyMS)
	}

	if h.mqtt == nil {
		return
	}
	payload, err := json.Marshal(deviceStatusPayload{
		Address:   address,
		State:     state,
		LatencyMS: latencyMS,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := h.mqtt.PublishRetained(h.topics.DeviceStatus(address), payload); err != nil {
		h.log.Warn("publishing device status failed", "address", address, "error", err)
	}
}
