// teleop-core - billable remote device control.
//
// This is the main entry point for the teleop-core daemon. It owns the
// device registry, session manager and command dispatcher, and exposes
// them over the HTTP/WebSocket API. Optional integrations (MQTT, InfluxDB,
// Kafka, Prometheus, the SQLite event log) are wired from configuration.
//
// Usage:
//
//	teleopd                         run the daemon
//	teleopd -issue-token alice      print a bearer token for alice and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/teleop-core/internal/analytics"
	"github.com/nerrad567/teleop-core/internal/api"
	"github.com/nerrad567/teleop-core/internal/command"
	"github.com/nerrad567/teleop-core/internal/device"
	"github.com/nerrad567/teleop-core/internal/eventlog"
	"github.com/nerrad567/teleop-core/internal/events"
	"github.com/nerrad567/teleop-core/internal/infrastructure/config"
	"github.com/nerrad567/teleop-core/internal/infrastructure/database"
	"github.com/nerrad567/teleop-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/teleop-core/internal/infrastructure/kafka"
	"github.com/nerrad567/teleop-core/internal/infrastructure/logging"
	"github.com/nerrad567/teleop-core/internal/infrastructure/metrics"
	"github.com/nerrad567/teleop-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/teleop-core/internal/payment"
	"github.com/nerrad567/teleop-core/internal/session"
	"github.com/nerrad567/teleop-core/internal/transport"
	"github.com/nerrad567/teleop-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultTokenTTL   = 24 * time.Hour
	eventQueueSize    = 1024
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: loading .env: %v\n", err)
		os.Exit(1)
	}

	issueFor := flag.String("issue-token", "", "print a bearer token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", defaultTokenTTL, "lifetime of an issued token")
	flag.Parse()

	if *issueFor != "" {
		if err := issueToken(os.Stdout, *issueFor, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// issueToken signs a token for subject with the configured secret.
func issueToken(w io.Writer, subject string, ttl time.Duration) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Auth, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting teleop-core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version, cfg.Service.ID)
	log.Info("configuration loaded", "path", configPath)

	bus := events.NewBus()
	bus.SetLogger(log.Component("events"))

	registry := device.NewRegistry(device.Config{
		AutoApproval:         cfg.Registry.AutoApproval,
		MaxDevicesPerOwner:   cfg.Registry.MaxDevicesPerOwner,
		RequireCertification: cfg.Registry.RequireCertification,
	}, bus)
	registry.SetLogger(log.Component("registry"))

	checks := map[string]api.HealthChecker{}

	var db *database.DB
	if cfg.Database.Enabled {
		db, err = openDatabase(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		checks["database"] = db
	}

	// Background workers stop before the database closes.
	ctx, cancel := context.WithCancel(ctx)
	var g *errgroup.Group
	g, ctx = errgroup.WithContext(ctx)
	defer func() {
		cancel()
		g.Wait() //nolint:errcheck // Reported on the normal shutdown path
	}()

	// Attach the event log first so the ledger sees every event.
	var eventLog eventlog.Repository
	if db != nil {
		repo := eventlog.NewSQLiteRepository(db.DB)
		sink := eventlog.NewSink(repo, eventQueueSize)
		sink.SetLogger(log.Component("eventlog"))
		defer sink.Attach(bus)()
		g.Go(func() error { return sink.Run(ctx) })
		eventLog = repo
	} else {
		log.Info("event log disabled")
	}

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
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mirror := mqtt.NewMirror(mqttClient, byte(cfg.MQTT.QoS), eventQueueSize)
		mirror.SetLogger(log.Component("mqtt-mirror"))
		defer mirror.Attach(bus)()
		g.Go(func() error { return mirror.Run(ctx) })
	} else {
		log.Info("MQTT disabled; mqtt devices will be rejected")
	}

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		checks["influxdb"] = influxClient
		defer analytics.NewRecorder(influxClient).Attach(bus)()
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	kafkaWriter, err := kafka.NewWriter(cfg.Kafka)
	switch {
	case errors.Is(err, kafka.ErrDisabled):
		log.Info("Kafka forwarding disabled")
	case err != nil:
		return fmt.Errorf("configuring Kafka: %w", err)
	default:
		fwd := kafka.NewForwarder(kafkaWriter, eventQueueSize)
		fwd.SetLogger(log.Component("kafka"))
		defer fwd.Attach(bus)()
		g.Go(func() error { return fwd.Run(ctx) })
		log.Info("Kafka forwarding enabled", "topic", cfg.Kafka.Topic)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.New()
		defer m.Attach(bus)()
		metricsHandler = m.Handler()
	}

	router := buildTransport(cfg, mqttClient, log)
	defer func() {
		if closeErr := router.Close(); closeErr != nil {
			log.Error("error closing device transports", "error", closeErr)
		}
	}()

	sessions := session.NewManager(session.Config{Payee: cfg.Payment.Payee}, registry, router, buildSettler(cfg), bus)
	sessions.SetLogger(log.Component("session"))
	router.SetObserver(sessions)

	dispatcher := command.NewDispatcher(command.Config{
		DefaultOverageRate: cfg.Billing.DefaultOverageRate,
		Safety:             safetyLimits(cfg.Safety),
	}, sessions, registry, router, bus)
	dispatcher.SetLogger(log.Component("command"))

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Auth:       cfg.Auth,
		Logger:     log,
		Bus:        bus,
		Registry:   registry,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		EventLog:   eventLog,
		Metrics:    metricsHandler,
		Checks:     checks,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	g.Go(srv.Wait)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := srv.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("teleop-core stopped")
	return nil
}

// openDatabase opens SQLite and applies the embedded migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck,gosec // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)
	return db, nil
}

// safetyLimits converts the validated safety section for the dispatcher.
func safetyLimits(sc config.SafetyConfig) command.Safety {
	out := command.Safety{MaxSpeed: sc.MaxSpeed, MaxForce: sc.MaxForce}
	if len(sc.Boundaries) > 0 {
		out.Boundaries = make(map[string]command.Range, len(sc.Boundaries))
		for axis, b := range sc.Boundaries {
			out.Boundaries[axis] = command.Range{Min: b[0], Max: b[1]}
		}
	}
	return out
}

// buildTransport registers one adapter per device protocol. Without a
// broker, mqtt devices get the unimplemented adapter.
func buildTransport(cfg *config.Config, mqttClient *mqtt.Client, log *logging.Logger) *transport.Router {
	router := transport.NewRouter()

	httpAdapter := transport.NewHTTPAdapter(&http.Client{
		Timeout: time.Duration(cfg.Transport.HTTPTimeout) * time.Second,
	})
	httpAdapter.SetLogger(log.Component("transport-http"))
	router.Handle(device.ProtocolHTTP, httpAdapter)

	wsAdapter := transport.NewWebSocketAdapter(cfg.ResponseBuffer())
	wsAdapter.SetRedial(cfg.RedialBackoff())
	wsAdapter.SetLogger(log.Component("transport-ws"))
	router.Handle(device.ProtocolWebSocket, wsAdapter)

	if mqttClient != nil {
		mqttAdapter := transport.NewMQTTAdapter(mqttClient, cfg.ResponseBuffer())
		mqttAdapter.SetLogger(log.Component("transport-mqtt"))
		router.Handle(device.ProtocolMQTT, mqttAdapter)
	} else {
		router.Handle(device.ProtocolMQTT, transport.Unimplemented{})
	}

	return router
}

// buildSettler selects the settlement backend.
func buildSettler(cfg *config.Config) payment.Settler {
	if cfg.Payment.Mode == config.PaymentModeFacilitator {
		return payment.NewFacilitatorClient(payment.FacilitatorConfig{
			URL:     cfg.Payment.URL,
			APIKey:  cfg.Payment.APIKey,
			Timeout: cfg.PaymentTimeout(),
		})
	}
	return payment.NewLocalSettler()
}

// getConfigPath returns the configuration file path.
// Uses TELEOP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TELEOP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
