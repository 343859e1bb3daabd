package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pdm-go/internal/broadcast"
	"pdm-go/internal/config"
	"pdm-go/internal/coordination"
	"pdm-go/internal/database"
	"pdm-go/internal/database/migrations"
	"pdm-go/internal/encryption"
	"pdm-go/internal/identity"
	"pdm-go/internal/metrics"
	"pdm-go/internal/mirror"
	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
	"pdm-go/internal/server"
	"pdm-go/internal/staging"
	"pdm-go/internal/vault"
)

const shutdownTimeout = 10 * time.Second

var tracer = otel.Tracer("pdm-go/internal/app")

// PDMApp is the application layer between the CLI and PDMService.
// It constructs all dependencies from config, runs the server, and
// releases everything it opened on Close.
type PDMApp struct {
	cfg      *config.Config
	clock    pdm.Clock
	logger   pdm.Logger
	store    *database.SQLiteStore
	identity *identity.StaticProvider
	hub      *broadcast.Broadcaster
	service  *pdm.PDMService
	mirror   *mirror.Mirror
	op       *Operation
	span     trace.Span
	closers  []func() error
	logFile  *os.File
}

// NewPDMApp creates a fully wired PDMApp from the given config.
// operation identifies the CLI command being run (e.g. "Serve", "Checkout").
// A serving app fans events out to its own sessions; any other app hands
// them to the relay, if one is configured, for servers to pick up.
// The caller must call Close when done.
func NewPDMApp(ctx context.Context, cfg *config.Config, operation string, serving bool) (_ *PDMApp, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slogger, logFile, err := newLogger(cfg.LogDir, cfg.InstanceID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &PDMApp{cfg: cfg, clock: pdm.RealClock{}, logger: &slogAdapter{l: slogger}, logFile: logFile}
	defer func() {
		if err != nil {
			if a.span != nil {
				a.span.End()
			}
			a.closeAll()
		}
	}()
	a.op = NewOperation(operation, "", a.clock.Now())

	if cfg.Telemetry.TraceStdout {
		shutdown, err := setupTracing()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}
	_, a.span = tracer.Start(ctx, operation, trace.WithAttributes(attribute.String("pdm.instance", cfg.InstanceID)))

	store, err := openStore(cfg, a.clock)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	blobs, err := vault.NewVaultFromConfig(ctx, cfg.Blobs)
	if err != nil {
		return nil, fmt.Errorf("creating blob vault: %w", err)
	}
	if err := blobs.ValidateSetup(); err != nil {
		return nil, fmt.Errorf("blob vault: %w", err)
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		return nil, fmt.Errorf("creating staging area: %w", err)
	}

	mutex, closeMutex, err := coordination.NewMutexFromConfig(cfg.Coordination, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating coordination mutex: %w", err)
	}
	a.closers = append(a.closers, closeMutex)

	a.identity, err = identity.NewStaticProvider(cfg.Actors)
	if err != nil {
		return nil, fmt.Errorf("loading actors: %w", err)
	}

	relay, err := broadcast.NewRelayFromConfig(cfg.Relay, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating relay: %w", err)
	}
	if relay != nil {
		a.closers = append(a.closers, relay.Close)
	}
	origin := cfg.InstanceID + "/" + uuid.NewString()
	a.hub = broadcast.NewBroadcaster(a.clock, a.logger, cfg.Server.HeartbeatInterval, cfg.Server.MissedHeartbeats)
	var notifier pdm.Notifier = a.hub
	switch {
	case serving && relay != nil:
		a.hub.WithRelay(relay, origin)
	case !serving && relay != nil:
		notifier = broadcast.NewRelayNotifier(relay, origin, a.logger)
	}

	guard := pdm.NewGuard()
	locks := pdm.NewLockManager(store, guard, mutex, a.clock, a.logger, pdm.DefaultMaxRetries)
	audit := database.NewSQLiteAuditLog(store.DB())
	a.service = pdm.NewPDMService(store, locks, guard, audit, notifier, blobs, store, sa, a.logger, a.clock, pdm.UUIDGenerator{})

	if cfg.Mirror.Enabled {
		remote, err := newRemoteVault(ctx, cfg, nil)
		if err != nil {
			return nil, err
		}
		a.mirror = mirror.New(store, blobs, remote, cfg.InstanceID, a.clock, a.logger, cfg.Mirror.Interval, cfg.Mirror.MaxLag)
		// An unreachable mirror only defers replication; the worker repeats
		// the remote check before its first snapshot push.
		if err := a.mirror.CheckRemote(ctx); errors.Is(err, mirror.ErrRemoteAhead) {
			return nil, err
		} else if err != nil {
			a.logger.Warn("mirror unreachable at startup, replication deferred", "error", err)
		}
	}

	return a, nil
}

// openStore opens the version store. In-memory stores are migrated on the
// spot; file stores must already be at the latest schema.
func openStore(cfg *config.Config, clock pdm.Clock) (*database.SQLiteStore, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.InstanceID, clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if cfg.Database.Type == "memory" {
		err = migrations.MigrateUp(store.DB())
	} else {
		err = migrations.CheckDBMigrationStatus(store.DB())
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date (run `pdm db migrate`): %w", err)
	}
	return store, nil
}

func setupTracing() (func() error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

// Service returns the wired service.
func (a *PDMApp) Service() *pdm.PDMService {
	return a.service
}

// Mirror returns the mirror worker, or nil when mirroring is disabled.
func (a *PDMApp) Mirror() *mirror.Mirror {
	return a.mirror
}

// Actor resolves a configured actor by ID for CLI commands.
func (a *PDMApp) Actor(ctx context.Context, id string) (*model.Actor, error) {
	if id == "" {
		return nil, fmt.Errorf("no actor given (use --as or PDM_ACTOR): %w", pdm.ErrUnauthenticated)
	}
	return a.identity.Lookup(ctx, id)
}

// Track records the outcome of a step of the current operation.
func (a *PDMApp) Track(err error) error {
	return a.op.Track(err)
}

// Serve runs the HTTP server, the heartbeat sweeper and, when enabled, the
// mirror until ctx is cancelled.
func (a *PDMApp) Serve(ctx context.Context) error {
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ws := broadcast.NewHandler(a.hub, a.service.ListResources, pdm.UUIDGenerator{}, a.cfg.Server.SessionBuffer, a.logger)
	srv := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           server.New(a.service, a.identity, a.hub, ws, reg, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.hub.Run(ctx)
	})
	if a.mirror != nil {
		g.Go(func() error {
			return a.mirror.Run(ctx)
		})
	}
	g.Go(func() error {
		a.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return a.Track(g.Wait())
}

// Close logs the operation outcome and releases everything the app opened.
func (a *PDMApp) Close() error {
	elapsed := a.op.Elapsed(a.clock.Now())
	a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status, "elapsed", elapsed.String())
	if a.op.Failed() {
		a.span.SetStatus(codes.Error, a.op.Status)
	}
	a.span.End()
	return a.closeAll()
}

func (a *PDMApp) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return errors.Join(errs...)
}

// MigrateDatabase brings the configured database to the latest schema.
func MigrateDatabase(cfg *config.Config) error {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.InstanceID, pdm.RealClock{})
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer store.Close()
	return migrations.MigrateUp(store.DB())
}

// DatabaseStatus reports the schema version of the configured database and
// the latest version this binary knows.
func DatabaseStatus(cfg *config.Config) (version uint, dirty bool, latest uint, err error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.InstanceID, pdm.RealClock{})
	if err != nil {
		return 0, false, 0, fmt.Errorf("creating database: %w", err)
	}
	defer store.Close()
	return migrations.Status(store.DB())
}

// newRemoteVault opens the mirror vault. With encryption enabled the vault
// is sealed; passphrase, when given, unlocks it for reading.
func newRemoteVault(ctx context.Context, cfg *config.Config, passphrase func() (string, error)) (pdm.Vault, error) {
	remote, err := vault.NewVaultFromConfig(ctx, cfg.Mirror.Vault)
	if err != nil {
		return nil, fmt.Errorf("creating mirror vault: %w", err)
	}
	if !cfg.Mirror.Encrypt {
		return remote, nil
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	var opener pdm.DecryptionContext
	if passphrase != nil {
		pass, err := passphrase()
		if err != nil {
			return nil, err
		}
		if opener, err = enc.Unlock(pass); err != nil {
			return nil, fmt.Errorf("unlocking private key: %w", err)
		}
	}
	return encryption.NewSealedVault(remote, enc, opener), nil
}
