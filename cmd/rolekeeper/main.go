// Rolekeeper - Exclusive relay role broker
//
// Rolekeeper arbitrates exclusive MQTT relay roles for PeerLink accounts.
// Each account may run at most one device per role (transmitter, receiver);
// rolekeeper tracks the leases, resolves claim conflicts by evicting the
// previous holder through the broker control plane, and mints the
// short-lived broker credentials devices connect with.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/peerlink/rolekeeper/migrations"

	"github.com/peerlink/rolekeeper/internal/api"
	"github.com/peerlink/rolekeeper/internal/broker"
	"github.com/peerlink/rolekeeper/internal/credential"
	"github.com/peerlink/rolekeeper/internal/evict"
	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
	"github.com/peerlink/rolekeeper/internal/infrastructure/database"
	"github.com/peerlink/rolekeeper/internal/infrastructure/influxdb"
	"github.com/peerlink/rolekeeper/internal/infrastructure/logging"
	"github.com/peerlink/rolekeeper/internal/infrastructure/mqtt"
	"github.com/peerlink/rolekeeper/internal/lease"
	"github.com/peerlink/rolekeeper/internal/notify"
	"github.com/peerlink/rolekeeper/internal/resolve"
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

// sweepInterval is how often expired leases are reclaimed in the background.
const sweepInterval = time.Minute

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting rolekeeper",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
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

	// Lease registry over the SQLite repository
	leaseRepo := lease.NewRepository(db)
	leaseRegistry := lease.NewRegistry(leaseRepo)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		if !errors.Is(err, influxdb.ErrDisabled) {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient = nil
		log.Info("InfluxDB disabled")
	} else {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	}

	// Broker control plane, eviction verifier, and conflict resolver
	brokerClient := broker.New(cfg.BrokerAPI)
	evictVerifier := evict.NewVerifier(brokerClient, cfg.Eviction, log)
	notifyPublisher := notify.NewPublisher(mqttClient, log)
	credIssuer := credential.NewIssuer(cfg.Credential)

	resolverDeps := resolve.Deps{
		Registry: leaseRegistry,
		Broker:   brokerClient,
		Verifier: evictVerifier,
		Notifier: notifyPublisher,
		Issuer:   credIssuer,
		Logger:   log,
	}
	// A typed nil pointer in a non-nil interface would defeat the
	// resolver's optional-metrics check.
	if influxClient != nil {
		resolverDeps.Metrics = influxClient
	}
	resolver := resolve.New(resolverDeps, cfg.Eviction, cfg.Credential.TTL(), cfg.Roles.Allowed)

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		Security: cfg.Security,
		Logger:   log,
		Resolver: resolver,
		Leases:   leaseRegistry,
		Health: map[string]api.HealthChecker{
			"database":   db,
			"mqtt":       mqttClient,
			"broker_api": brokerClient,
		},
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Background sweep of expired leases
	go sweepExpired(ctx, leaseRegistry, influxClient, log)

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, brokerClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("rolekeeper stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ROLEKEEPER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ROLEKEEPER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// sweepExpired periodically reclaims expired leases and reports the
// active-lease gauge. Expiry is also enforced lazily on reads; the sweep
// keeps the table and the gauge honest for idle keys.
func sweepExpired(ctx context.Context, registry *lease.Registry, metrics *influxdb.Client, log *logging.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := registry.DeleteExpired(ctx)
			if err != nil {
				log.Error("sweeping expired leases", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("expired leases reclaimed", "count", removed)
			}
			if metrics != nil {
				if active, countErr := registry.CountActive(ctx); countErr == nil {
					metrics.WriteActiveLeases(active)
				}
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, brokerClient *broker.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if err := brokerClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("broker control plane: %w", err)
	}
	return nil
}
