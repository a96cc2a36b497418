// Tuya Bridge Core
//
// Main entry point for the bridge daemon. It links Tuya devices (cloud or
// LAN) to a local entity model, publishes state changes over MQTT, and
// records history in InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/tuya-bridge-core/migrations"

	"github.com/nerrad567/tuya-bridge-core/internal/connector"
	"github.com/nerrad567/tuya-bridge-core/internal/consumers"
	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/database"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/logging"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
	"github.com/nerrad567/tuya-bridge-core/internal/statebridge"
	"github.com/nerrad567/tuya-bridge-core/internal/tuya"
	"github.com/nerrad567/tuya-bridge-core/internal/writers"
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

// Device listings are slow and rate-limited; rediscovery runs far less
// often than state reads.
const discoveryInterval = 5 * time.Minute

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Tuya Bridge Core",
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

	// Open database and bring the schema up to date
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

	repo := device.NewSQLiteRepository(db.DB)

	// In-memory state stores
	states := state.NewStore()
	connections := state.NewConnectionStore()

	// Message queue and consumer pipeline
	q := queue.NewQueue()
	q.SetLogger(log.With("component", "queue"))

	registry := connector.NewRegistry(cfg.Connectors)
	clients := connector.NewClientProvider()
	cache := consumers.NewDataPointCache(repo)
	upserter := consumers.NewPropertyUpserter(repo, states, log.With("component", "consumers"))

	consumerLog := log.With("component", "consumers")
	dispatcher := queue.NewDispatcher(q, []queue.Consumer{
		consumers.NewCloudDevice(repo, registry, upserter, cache, clients, consumerLog),
		consumers.NewLocalDevice(repo, registry, upserter, cache, clients, consumerLog),
		consumers.NewDeviceConnection(repo, registry, connections, states, consumerLog),
		consumers.NewPropertyState(cache, registry, states, consumerLog),
		consumers.NewPropertyWrite(repo, registry, clients, states, q, consumerLog),
	})
	dispatcher.SetLogger(log.With("component", "dispatcher"))
	go dispatcher.Run(ctx)
	log.Info("dispatcher started")

	// Outward state bridge (optional sinks)
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
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
			"client_id", cfg.MQTT.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

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

	bridge := statebridge.New(repo, states, mqttClient, influxClient, log.With("component", "statebridge"))
	bridge.Subscribe(states, connections)
	if err := bridge.ListenForCommands(); err != nil {
		return fmt.Errorf("subscribing to command topics: %w", err)
	}

	// Per-connector data sources and writers
	for _, conn := range registry.All() {
		if startErr := startConnector(ctx, conn, cfg, repo, connections, states, clients, q, log); startErr != nil {
			return fmt.Errorf("starting connector %q: %w", conn.ID, startErr)
		}
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// The context cancellation stops the dispatcher, scanners, listeners
	// and writers; deferred Close() calls then tear down the sinks and
	// the database in reverse order.

	log.Info("Tuya Bridge Core stopped")
	return nil
}

// startConnector wires one connector: its API clients, discovery scanner,
// push listener and write schedulers.
func startConnector(
	ctx context.Context,
	conn *connector.Connector,
	cfg *config.Config,
	repo device.Repository,
	connections *state.ConnectionStore,
	states *state.Store,
	clients *connector.ClientProvider,
	q *queue.Queue,
	log *logging.Logger,
) error {
	connLog := log.With("connector", conn.ID)

	// Discovery always runs through the cloud API; local connectors only
	// move reads and writes onto the LAN.
	api := tuya.NewOpenAPIClient(tuya.OpenAPIConfig{
		Endpoint:     conn.OpenAPIEndpoint,
		AccessID:     conn.AccessID,
		AccessSecret: conn.AccessSecret,
		UID:          conn.UID,
	})
	api.SetLogger(connLog)
	if err := api.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to cloud API: %w", err)
	}
	connLog.Info("cloud API connected", "endpoint", conn.OpenAPIEndpoint)

	var reader tuya.Client = api
	if conn.Mode == connector.ModeLocal {
		pool := connector.NewLocalPool(conn.ID, repo)
		pool.SetLogger(connLog)
		reader = pool

		heartbeat := time.Duration(conn.HeartbeatDelay) * time.Second
		go func() {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					pool.Disconnect()
					return
				case <-ticker.C:
					pool.Heartbeat(ctx)
				}
			}
		}()
		connLog.Info("local client pool started", "heartbeat", heartbeat)
	}
	clients.Register(conn.ID, reader)

	scanner := tuya.NewScanner(tuya.ScannerConfig{
		Connector:         conn.ID,
		Local:             conn.Mode == connector.ModeLocal,
		DiscoveryInterval: discoveryInterval,
		ReadInterval:      time.Duration(conn.StateReadingDelay) * time.Second,
	}, api, reader, repo, q, connLog)
	scanner.Start(ctx)
	go func() {
		<-ctx.Done()
		scanner.Stop()
	}()
	connLog.Info("scanner started", "read_interval", conn.StateReadingDelay)

	if conn.Mode == connector.ModeCloud {
		listener := tuya.NewPulsarListener(tuya.PulsarConfig{
			Endpoint:     conn.OpenPulsarEndpoint,
			AccessID:     conn.AccessID,
			AccessSecret: conn.AccessSecret,
			Topic:        conn.OpenPulsarTopic,
			Connector:    conn.ID,
		}, q)
		listener.SetLogger(connLog)
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("starting pulsar listener: %w", err)
		}
		go func() {
			<-ctx.Done()
			listener.Stop()
		}()
		connLog.Info("pulsar listener started", "endpoint", conn.OpenPulsarEndpoint)
	}

	writerLog := log.With("component", "writers", "connector", conn.ID)
	periodic := writers.NewPeriodic(conn.ID, repo, connections, states, q, writers.PeriodicOptions{
		PollInterval:     cfg.Writer.GetPollInterval(),
		DebounceInterval: cfg.Writer.GetDebounceInterval(),
		PendingDelay:     cfg.Writer.GetPendingDelay(),
	}, writerLog)
	periodic.Start(ctx)
	go func() {
		<-ctx.Done()
		periodic.Stop()
	}()

	event := writers.NewEvent(conn.ID, repo, q, writerLog)
	event.Subscribe(states)
	connLog.Info("writers started")

	return nil
}

// getConfigPath returns the configuration file path.
// Uses TUYABRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TUYABRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy. The MQTT
// and InfluxDB clients may be nil when disabled.
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
