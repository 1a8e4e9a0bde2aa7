package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultLogLevel             = "info"
	defaultSecurityEnvironment  = "local"
	defaultAdminRole            = "admin"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultPostgresMaxConns     = 8
	defaultSessionTTL           = 30 * time.Minute
	defaultCodeLength           = 12
	defaultReservationTTL       = 30 * time.Minute
	defaultVerificationTTL      = 15 * time.Minute
	defaultVerificationAttempts = 5
	defaultPaymentGrace         = time.Hour
	defaultSweepBatchSize       = 100
	defaultEventsProducer       = "ordercore"
	defaultMetricsPath          = "/metrics"
)

// Storage backends understood by the order and inventory stores.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

// Event sinks.
const (
	EventsPubSub = "pubsub"
	EventsKafka  = "kafka"
	EventsLog    = "log"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Events      EventsConfig
	PSP         PSPConfig
	Orders      OrdersConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LogConfig struct {
	Level string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig is only used when the inventory ledger runs on Postgres.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// RedisConfig enables the Redis-backed idempotency, nonce and webhook dedup stores
// when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

type EventsConfig struct {
	Backend           string
	ProjectID         string
	OrderTopic        string
	NotificationTopic string
	KafkaBrokers      []string
	Producer          string
}

// PSPConfig holds Stripe Checkout settings.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	SuccessURL          string
	CancelURL           string
	// RedirectHosts lists extra hosts a client may name in success/cancel URLs. The
	// hosts of SuccessURL and CancelURL are always allowed.
	RedirectHosts []string
	SessionTTL    time.Duration
}

// OrdersConfig tunes the order lifecycle.
type OrdersConfig struct {
	StorageBackend          string
	InventoryBackend        string
	CodeLength              int
	ReservationTTL          time.Duration
	VerificationTTL         time.Duration
	VerificationMaxAttempts int
	PaymentGrace            time.Duration
	SweepInterval           time.Duration
	SweepBatchSize          int
	// SeedFile is a JSON product list loaded into the memory ledger at startup.
	SeedFile string
}

type SecurityConfig struct {
	Environment string
	Admin       AdminAuthConfig
	HMAC        HMACConfig
}

// AdminAuthConfig describes the bearer tokens minted by the admin console login.
type AdminAuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	Role      string
}

// HMACConfig captures signing expectations for internal scheduler calls.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing or invalid field list.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (for example "PSP.StripeAPIKey") whose
// resolved value must be non-empty.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Load assembles the configuration from defaults, the optional .env file, the process
// environment and explicit overrides, then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := readDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Log: LogConfig{
			Level: stringWithDefault(lookup, "API_LOG_LEVEL", stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:      stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxConns: int32(intWithDefault(lookup, "API_POSTGRES_MAX_CONNS", defaultPostgresMaxConns)),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		Events: EventsConfig{
			Backend:           strings.ToLower(stringWithDefault(lookup, "API_EVENTS_BACKEND", EventsLog)),
			ProjectID:         stringWithDefault(lookup, "API_EVENTS_PROJECT_ID", ""),
			OrderTopic:        stringWithDefault(lookup, "API_EVENTS_ORDER_TOPIC", "order-events"),
			NotificationTopic: stringWithDefault(lookup, "API_EVENTS_NOTIFICATION_TOPIC", "order-notifications"),
			KafkaBrokers:      csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
			Producer:          stringWithDefault(lookup, "API_EVENTS_PRODUCER", defaultEventsProducer),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:          stringWithDefault(lookup, "API_PSP_SUCCESS_URL", ""),
			CancelURL:           stringWithDefault(lookup, "API_PSP_CANCEL_URL", ""),
			RedirectHosts:       csvWithDefault(lookup, "API_PSP_REDIRECT_HOSTS"),
			SessionTTL:          durationWithDefault(lookup, "API_PSP_SESSION_TTL", defaultSessionTTL),
		},
		Orders: OrdersConfig{
			StorageBackend:          strings.ToLower(stringWithDefault(lookup, "API_ORDERS_STORAGE_BACKEND", BackendFirestore)),
			InventoryBackend:        strings.ToLower(stringWithDefault(lookup, "API_ORDERS_INVENTORY_BACKEND", BackendFirestore)),
			CodeLength:              intWithDefault(lookup, "API_ORDERS_CODE_LENGTH", defaultCodeLength),
			ReservationTTL:          durationWithDefault(lookup, "API_ORDERS_RESERVATION_TTL", defaultReservationTTL),
			VerificationTTL:         durationWithDefault(lookup, "API_ORDERS_VERIFICATION_TTL", defaultVerificationTTL),
			VerificationMaxAttempts: intWithDefault(lookup, "API_ORDERS_VERIFICATION_MAX_ATTEMPTS", defaultVerificationAttempts),
			PaymentGrace:            durationWithDefault(lookup, "API_ORDERS_PAYMENT_GRACE", defaultPaymentGrace),
			SweepInterval:           durationWithDefault(lookup, "API_ORDERS_SWEEP_INTERVAL", 0),
			SweepBatchSize:          intWithDefault(lookup, "API_ORDERS_SWEEP_BATCH", defaultSweepBatchSize),
			SeedFile:                stringWithDefault(lookup, "API_ORDERS_SEED_FILE", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			Admin: AdminAuthConfig{
				JWTSecret: stringWithDefault(lookup, "API_SECURITY_ADMIN_JWT_SECRET", ""),
				Issuer:    stringWithDefault(lookup, "API_SECURITY_ADMIN_JWT_ISSUER", ""),
				Audience:  stringWithDefault(lookup, "API_SECURITY_ADMIN_JWT_AUDIENCE", ""),
				Role:      stringWithDefault(lookup, "API_SECURITY_ADMIN_ROLE", defaultAdminRole),
			},
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Metrics: MetricsConfig{
			Enabled: boolWithDefault(lookup, "API_METRICS_ENABLED", true),
			Path:    stringWithDefault(lookup, "API_METRICS_PATH", defaultMetricsPath),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}

	resolved, err := resolveSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	add := func(cond bool, field string) {
		if cond {
			missing = append(missing, field)
		}
	}

	add(cfg.Server.Port == "", "Server.Port")

	backends := []string{BackendFirestore, BackendMemory}
	add(!slices.Contains(backends, cfg.Orders.StorageBackend), "Orders.StorageBackend")
	add(!slices.Contains(append(backends, BackendPostgres), cfg.Orders.InventoryBackend), "Orders.InventoryBackend")
	usesFirestore := cfg.Orders.StorageBackend == BackendFirestore || cfg.Orders.InventoryBackend == BackendFirestore
	add(usesFirestore && cfg.Firestore.ProjectID == "", "Firestore.ProjectID")
	add(cfg.Orders.InventoryBackend == BackendPostgres && cfg.Postgres.DSN == "", "Postgres.DSN")
	add(cfg.Postgres.MaxConns <= 0, "Postgres.MaxConns")

	add(cfg.Orders.CodeLength < 12 || cfg.Orders.CodeLength > 20, "Orders.CodeLength")
	add(cfg.Orders.ReservationTTL <= 0, "Orders.ReservationTTL")
	add(cfg.Orders.VerificationTTL <= 0, "Orders.VerificationTTL")
	add(cfg.Orders.VerificationMaxAttempts <= 0, "Orders.VerificationMaxAttempts")
	add(cfg.Orders.PaymentGrace < 0, "Orders.PaymentGrace")
	add(cfg.Orders.SweepInterval < 0, "Orders.SweepInterval")
	add(cfg.Orders.SweepBatchSize <= 0, "Orders.SweepBatchSize")

	add(cfg.PSP.StripeAPIKey == "", "PSP.StripeAPIKey")
	add(cfg.PSP.StripeWebhookSecret == "", "PSP.StripeWebhookSecret")
	add(cfg.PSP.SuccessURL == "", "PSP.SuccessURL")
	add(cfg.PSP.CancelURL == "", "PSP.CancelURL")
	add(cfg.PSP.SessionTTL < 30*time.Minute || cfg.PSP.SessionTTL > 24*time.Hour, "PSP.SessionTTL")

	add(cfg.Security.Admin.JWTSecret == "", "Security.Admin.JWTSecret")

	switch cfg.Events.Backend {
	case EventsLog:
	case EventsPubSub:
		add(cfg.Events.ProjectID == "", "Events.ProjectID")
		add(cfg.Events.OrderTopic == "", "Events.OrderTopic")
		add(cfg.Events.NotificationTopic == "", "Events.NotificationTopic")
	case EventsKafka:
		add(len(cfg.Events.KafkaBrokers) == 0, "Events.KafkaBrokers")
		add(cfg.Events.OrderTopic == "", "Events.OrderTopic")
		add(cfg.Events.NotificationTopic == "", "Events.NotificationTopic")
	default:
		add(true, "Events.Backend")
	}

	add(strings.TrimSpace(cfg.Idempotency.Header) == "", "Idempotency.Header")
	add(cfg.Idempotency.TTL <= 0, "Idempotency.TTL")
	add(cfg.Idempotency.CleanupInterval <= 0, "Idempotency.CleanupInterval")
	add(cfg.Idempotency.CleanupBatchSize <= 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
