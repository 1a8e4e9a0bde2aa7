package di

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/payments"
	"github.com/hanko-field/ordercore/internal/platform/auth"
	"github.com/hanko-field/ordercore/internal/platform/config"
	"github.com/hanko-field/ordercore/internal/platform/events"
	pfirestore "github.com/hanko-field/ordercore/internal/platform/firestore"
	"github.com/hanko-field/ordercore/internal/platform/idempotency"
	"github.com/hanko-field/ordercore/internal/platform/metrics"
	"github.com/hanko-field/ordercore/internal/platform/observability"
	"github.com/hanko-field/ordercore/internal/platform/redisx"
	"github.com/hanko-field/ordercore/internal/repositories"
	firestoreRepo "github.com/hanko-field/ordercore/internal/repositories/firestore"
	memoryRepo "github.com/hanko-field/ordercore/internal/repositories/memory"
	postgresRepo "github.com/hanko-field/ordercore/internal/repositories/postgres"
	redisRepo "github.com/hanko-field/ordercore/internal/repositories/redis"
	"github.com/hanko-field/ordercore/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders  services.OrderStateMachine
	Queries services.OrderQueryService
	Sweeper services.ReservationSweeper
	System  services.SystemService
}

// Security holds the authenticators guarding the admin and internal route groups.
type Security struct {
	Admin      *auth.AdminAuthenticator
	Signatures *auth.SignatureVerifier
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config      config.Config
	Services    Services
	Security    Security
	Idempotency idempotency.Store

	firestoreProvider *pfirestore.Provider
	closers           []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Option customises NewContainer.
type Option func(*containerOptions)

type containerOptions struct {
	logger  *zap.Logger
	metrics *metrics.Recorder
	clock   func() time.Time
	build   services.BuildInfo
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithMetrics routes service and auth counters to the recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(o *containerOptions) { o.metrics = recorder }
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = build }
}

// stores collects the backend-specific repositories selected by configuration.
type stores struct {
	orders        repositories.OrderRepository
	inventory     repositories.InventoryLedger
	catalog       repositories.ProductCatalog
	paymentEvents repositories.PaymentEventLog
	redis         *redis.Client
	checks        []repositories.DependencyCheck
}

// NewContainer constructs the runtime dependencies. Clients are dialed eagerly so a
// misconfigured backend fails startup instead of the first request.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	st, err := c.buildStores(ctx, cfg, options.clock)
	if err != nil {
		return nil, err
	}

	sink, err := c.buildSink(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var failures events.FailureRecorder
	if options.metrics != nil {
		failures = options.metrics
	}
	publisher, err := events.NewPublisher(sink, events.PublisherConfig{
		OrderTopic:        cfg.Events.OrderTopic,
		NotificationTopic: cfg.Events.NotificationTopic,
		Producer:          cfg.Events.Producer,
		Clock:             options.clock,
		Failures:          failures,
	})
	if err != nil {
		return nil, fmt.Errorf("build event publisher: %w", err)
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Logger:        payments.StripeLogger(observability.EventLogger(logger.Named("payments"))),
		Clock:         options.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe provider: %w", err)
	}
	gateway, err := payments.NewManager(map[string]payments.Provider{"stripe": stripeProvider})
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}

	svc, err := buildServices(cfg, st, publisher, gateway, options, logger)
	if err != nil {
		return nil, err
	}
	c.Services = svc

	health, err := repositories.NewReadinessProbe(st.checks, repositories.WithProbeClock(options.clock))
	if err != nil {
		return nil, fmt.Errorf("build readiness probe: %w", err)
	}
	build := options.build
	if build.StartedAt.IsZero() {
		build.StartedAt = options.clock().UTC()
	}
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	c.Services.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            options.clock,
		Build:            build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	c.Security, err = buildSecurity(cfg, st.redis, options)
	if err != nil {
		return nil, err
	}

	switch {
	case st.redis != nil:
		c.Idempotency = idempotency.NewRedisStore(st.redis)
	case cfg.Orders.StorageBackend == config.BackendFirestore:
		client, err := c.firestore(cfg).Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		c.Idempotency = idempotency.NewFirestoreStore(client, "")
	default:
		c.Idempotency = idempotency.NewMemoryStore()
	}

	return c, nil
}

// Close releases clients in reverse order of acquisition. Every closer runs even
// when an earlier one fails.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.closers[i].name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

func (c *Container) buildStores(ctx context.Context, cfg config.Config, clock func() time.Time) (stores, error) {
	var st stores

	switch cfg.Orders.StorageBackend {
	case config.BackendFirestore:
		provider := c.firestore(cfg)
		orders, err := firestoreRepo.NewOrderRepository(provider)
		if err != nil {
			return st, fmt.Errorf("build order repository: %w", err)
		}
		st.orders = orders
		st.checks = append(st.checks, repositories.DependencyCheck{Name: "firestore", Check: provider.Ping})
	case config.BackendMemory:
		st.orders = memoryRepo.NewOrderRepository()
	default:
		return st, fmt.Errorf("unsupported order storage backend %q", cfg.Orders.StorageBackend)
	}

	switch cfg.Orders.InventoryBackend {
	case config.BackendFirestore:
		provider := c.firestore(cfg)
		ledger, err := firestoreRepo.NewInventoryLedger(provider, clock)
		if err != nil {
			return st, fmt.Errorf("build inventory ledger: %w", err)
		}
		st.inventory, st.catalog = ledger, ledger
		if cfg.Orders.StorageBackend != config.BackendFirestore {
			st.checks = append(st.checks, repositories.DependencyCheck{Name: "firestore", Check: provider.Ping})
		}
	case config.BackendPostgres:
		pool, err := postgresRepo.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return st, err
		}
		c.onClose("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		ledger, err := buildPostgresLedger(ctx, pool, clock)
		if err != nil {
			return st, err
		}
		st.inventory, st.catalog = ledger, ledger
		st.checks = append(st.checks, repositories.DependencyCheck{Name: "postgres", Check: ledger.Ping})
	case config.BackendMemory:
		products, err := loadSeedProducts(cfg.Orders.SeedFile)
		if err != nil {
			return st, err
		}
		ledger := memoryRepo.NewInventoryLedger(clock, products...)
		st.inventory, st.catalog = ledger, ledger
	default:
		return st, fmt.Errorf("unsupported inventory backend %q", cfg.Orders.InventoryBackend)
	}

	if cfg.Redis.Enabled() {
		client, err := redisx.New(ctx, cfg.Redis)
		if err != nil {
			return st, err
		}
		c.onClose("redis", func(context.Context) error { return client.Close() })
		st.redis = client
		st.checks = append(st.checks, repositories.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		eventLog, err := redisRepo.NewPaymentEventLog(client, redisx.TTLPaymentEvent)
		if err != nil {
			return st, fmt.Errorf("build payment event log: %w", err)
		}
		st.paymentEvents = eventLog
	}

	if st.paymentEvents == nil {
		switch cfg.Orders.StorageBackend {
		case config.BackendFirestore:
			eventLog, err := firestoreRepo.NewPaymentEventLog(c.firestore(cfg))
			if err != nil {
				return st, fmt.Errorf("build payment event log: %w", err)
			}
			st.paymentEvents = eventLog
		default:
			st.paymentEvents = memoryRepo.NewPaymentEventLog()
		}
	}

	if len(st.checks) == 0 {
		st.checks = append(st.checks, repositories.DependencyCheck{
			Name:  "memory",
			Check: func(context.Context) error { return nil },
		})
	}
	return st, nil
}

func buildPostgresLedger(ctx context.Context, pool *pgxpool.Pool, clock func() time.Time) (*postgresRepo.Ledger, error) {
	ledger, err := postgresRepo.NewLedger(pool, clock)
	if err != nil {
		return nil, fmt.Errorf("build postgres ledger: %w", err)
	}
	if err := ledger.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate postgres ledger: %w", err)
	}
	return ledger, nil
}

// firestore returns the shared provider, registering its close on first use.
func (c *Container) firestore(cfg config.Config) *pfirestore.Provider {
	if c.firestoreProvider == nil {
		c.firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		c.onClose("firestore", c.firestoreProvider.Close)
	}
	return c.firestoreProvider
}

func (c *Container) buildSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (events.Sink, error) {
	var sink events.Sink
	switch cfg.Events.Backend {
	case config.EventsPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		c.onClose("pubsub", func(context.Context) error { return client.Close() })
		pubsubSink, err := events.NewPubSubSink(client)
		if err != nil {
			return nil, err
		}
		sink = pubsubSink
	case config.EventsKafka:
		kafkaSink, err := events.NewKafkaSink(cfg.Events.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		sink = kafkaSink
	case config.EventsLog:
		sink = events.NewLogSink(logger.Named("events"), cfg.Security.Environment == "local")
	default:
		return nil, fmt.Errorf("unsupported events backend %q", cfg.Events.Backend)
	}
	c.onClose("events", func(context.Context) error { return sink.Close() })
	return sink, nil
}

func buildServices(cfg config.Config, st stores, publisher *events.Publisher, gateway services.PaymentGateway, options containerOptions, logger *zap.Logger) (Services, error) {
	var recorder services.Metrics
	if options.metrics != nil {
		recorder = options.metrics
	}

	gate, err := services.NewVerificationGate(services.VerificationGateDeps{
		Orders:      st.orders,
		Notifier:    publisher,
		Clock:       options.clock,
		TTL:         cfg.Orders.VerificationTTL,
		MaxAttempts: cfg.Orders.VerificationMaxAttempts,
		Logger:      observability.EventLogger(logger.Named("verification")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build verification gate: %w", err)
	}

	broker, err := services.NewPaymentSessionBroker(services.PaymentSessionBrokerDeps{
		Payments:   gateway,
		Orders:     st.orders,
		Clock:      options.clock,
		SessionTTL: cfg.PSP.SessionTTL,
		DefaultURLs: services.PaymentURLs{
			SuccessURL: cfg.PSP.SuccessURL,
			CancelURL:  cfg.PSP.CancelURL,
		},
		RedirectHosts: cfg.PSP.RedirectHosts,
		Logger:        observability.EventLogger(logger.Named("payments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment broker: %w", err)
	}

	machine, err := services.NewOrderStateMachine(services.OrderStateMachineDeps{
		Orders:         st.orders,
		Catalog:        st.catalog,
		Inventory:      st.inventory,
		PaymentEvents:  st.paymentEvents,
		Gate:           gate,
		Broker:         broker,
		Events:         publisher,
		Clock:          options.clock,
		CodeLength:     cfg.Orders.CodeLength,
		ReservationTTL: cfg.Orders.ReservationTTL,
		PaymentGrace:   cfg.Orders.PaymentGrace,
		Metrics:        recorder,
		Logger:         observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order state machine: %w", err)
	}

	queries, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{
		Orders:  st.orders,
		Metrics: recorder,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order query service: %w", err)
	}

	sweeper, err := services.NewReservationSweeper(services.ReservationSweeperDeps{
		Orders:    st.orders,
		Machine:   machine,
		Clock:     options.clock,
		BatchSize: cfg.Orders.SweepBatchSize,
		Logger:    observability.EventLogger(logger.Named("sweeper")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reservation sweeper: %w", err)
	}

	return Services{
		Orders:  machine,
		Queries: queries,
		Sweeper: sweeper,
	}, nil
}

func buildSecurity(cfg config.Config, client *redis.Client, options containerOptions) (Security, error) {
	var observer auth.VerificationObserver
	if options.metrics != nil {
		observer = options.metrics
	}

	adminOpts := []auth.AdminOption{
		auth.WithIssuer(cfg.Security.Admin.Issuer),
		auth.WithAudience(cfg.Security.Admin.Audience),
		auth.WithRole(cfg.Security.Admin.Role),
		auth.WithAdminClock(options.clock),
	}
	if observer != nil {
		adminOpts = append(adminOpts, auth.WithAdminObserver(observer))
	}
	admin, err := auth.NewAdminAuthenticator(cfg.Security.Admin.JWTSecret, adminOpts...)
	if err != nil {
		return Security{}, fmt.Errorf("build admin authenticator: %w", err)
	}

	var nonces auth.NonceStore = auth.NewMemoryNonceStore()
	if client != nil {
		nonces = auth.NewRedisNonceStore(client)
	}
	sigOpts := []auth.SignatureOption{
		auth.WithSignatureHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithNonceTTL(cfg.Security.HMAC.NonceTTL),
		auth.WithSignatureClock(options.clock),
	}
	if observer != nil {
		sigOpts = append(sigOpts, auth.WithSignatureObserver(observer))
	}
	signatures := auth.NewSignatureVerifier(auth.StaticSecrets(cfg.Security.HMAC.Secrets), nonces, sigOpts...)

	return Security{Admin: admin, Signatures: signatures}, nil
}

type seedProduct struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Price             int64  `json:"price"`
	Currency          string `json:"currency"`
	AvailableQuantity int    `json:"available_quantity"`
	Orderable         *bool  `json:"orderable"`
}

// loadSeedProducts reads the catalog used by the memory ledger. Products are orderable
// unless the file says otherwise.
func loadSeedProducts(path string) ([]domain.Product, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seeds []seedProduct
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	products := make([]domain.Product, 0, len(seeds))
	for i, seed := range seeds {
		if seed.ID == "" {
			return nil, fmt.Errorf("seed file %s: product %d has no id", path, i)
		}
		if seed.AvailableQuantity < 0 {
			return nil, fmt.Errorf("seed file %s: product %s has negative quantity", path, seed.ID)
		}
		orderable := true
		if seed.Orderable != nil {
			orderable = *seed.Orderable
		}
		products = append(products, domain.Product{
			ID:                seed.ID,
			Name:              seed.Name,
			Price:             seed.Price,
			Currency:          seed.Currency,
			AvailableQuantity: seed.AvailableQuantity,
			Orderable:         orderable,
		})
	}
	return products, nil
}
