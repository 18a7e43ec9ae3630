package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRequestTimeout      = 60 * time.Second
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultCurrency            = "usd"
	defaultPaymentTimeout      = 20 * time.Second
	defaultPendingIntentTTL    = 24 * time.Hour
	defaultCarrierName         = "fedex"
	defaultCarrierService      = "GROUND"
	defaultCarrierTimeout      = 15 * time.Second
	defaultCarrierRPS          = 5
	defaultCarrierBurst        = 10
	defaultTrackingRetryWindow = 20 * time.Second
	defaultLabelURLTTL         = 15 * time.Minute
	defaultWebhookDedupTTL     = 72 * time.Hour
	defaultPendingGrace        = 10 * time.Minute
	defaultSweepBatch          = 50
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Firebase       FirebaseConfig
	Firestore      FirestoreConfig
	Storage        StorageConfig
	Payments       PaymentsConfig
	Carrier        CarrierConfig
	Events         EventsConfig
	Redis          RedisConfig
	Security       SecurityConfig
	Idempotency    IdempotencyConfig
	Reconciliation ReconciliationConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig configures the shipping label archive.
type StorageConfig struct {
	LabelsBucket string
	LabelURLTTL  time.Duration
}

// PaymentsConfig holds gateway credentials and checkout pricing parameters.
type PaymentsConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	Currency            string
	TaxRate             decimal.Decimal
	Timeout             time.Duration
	PendingIntentTTL    time.Duration
}

// CarrierConfig holds carrier API endpoints, credentials and the shipper address.
type CarrierConfig struct {
	Name               string
	BaseURL            string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	AccountNumber      string
	DefaultService     string
	Timeout            time.Duration
	RequestsPerSecond  float64
	Burst              int
	TrackingRetryLimit time.Duration
	Shipper            ShipperConfig
}

// ShipperConfig is the origin address used on every label.
type ShipperConfig struct {
	Name       string
	Company    string
	Phone      string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// EventsConfig selects the order event sinks. Both may be enabled.
type EventsConfig struct {
	PubSubProjectID string
	PubSubTopic     string
	KafkaBrokers    []string
	KafkaTopic      string
}

// RedisConfig configures the webhook event dedup store.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	WebhookDedupTTL time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures signing expectations for carrier push webhooks.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ReconciliationConfig tunes the payment and cancellation sweeps.
type ReconciliationConfig struct {
	PendingGrace      time.Duration
	SweepBatchSize    int
	CompensationBatch int
}

// Load assembles the configuration from defaults, .env overrides, environment variables
// and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "FULFILLMENT_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:    durationWithDefault(lookup, "FULFILLMENT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "FULFILLMENT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "FULFILLMENT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "FULFILLMENT_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "FULFILLMENT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "FULFILLMENT_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "FULFILLMENT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "FULFILLMENT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			LabelsBucket: stringWithDefault(lookup, "FULFILLMENT_STORAGE_LABELS_BUCKET", ""),
			LabelURLTTL:  durationWithDefault(lookup, "FULFILLMENT_STORAGE_LABEL_URL_TTL", defaultLabelURLTTL),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:        stringWithDefault(lookup, "FULFILLMENT_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "FULFILLMENT_STRIPE_WEBHOOK_SECRET", ""),
			Currency:            strings.ToLower(stringWithDefault(lookup, "FULFILLMENT_PAYMENTS_CURRENCY", defaultCurrency)),
			Timeout:             durationWithDefault(lookup, "FULFILLMENT_PAYMENTS_TIMEOUT", defaultPaymentTimeout),
			PendingIntentTTL:    durationWithDefault(lookup, "FULFILLMENT_PAYMENTS_PENDING_INTENT_TTL", defaultPendingIntentTTL),
		},
		Carrier: CarrierConfig{
			Name:               stringWithDefault(lookup, "FULFILLMENT_CARRIER_NAME", defaultCarrierName),
			BaseURL:            strings.TrimRight(stringWithDefault(lookup, "FULFILLMENT_CARRIER_BASE_URL", ""), "/"),
			TokenURL:           stringWithDefault(lookup, "FULFILLMENT_CARRIER_TOKEN_URL", ""),
			ClientID:           stringWithDefault(lookup, "FULFILLMENT_CARRIER_CLIENT_ID", ""),
			ClientSecret:       stringWithDefault(lookup, "FULFILLMENT_CARRIER_CLIENT_SECRET", ""),
			AccountNumber:      stringWithDefault(lookup, "FULFILLMENT_CARRIER_ACCOUNT_NUMBER", ""),
			DefaultService:     stringWithDefault(lookup, "FULFILLMENT_CARRIER_DEFAULT_SERVICE", defaultCarrierService),
			Timeout:            durationWithDefault(lookup, "FULFILLMENT_CARRIER_TIMEOUT", defaultCarrierTimeout),
			RequestsPerSecond:  floatWithDefault(lookup, "FULFILLMENT_CARRIER_RPS", defaultCarrierRPS),
			Burst:              intWithDefault(lookup, "FULFILLMENT_CARRIER_BURST", defaultCarrierBurst),
			TrackingRetryLimit: durationWithDefault(lookup, "FULFILLMENT_CARRIER_TRACKING_RETRY_LIMIT", defaultTrackingRetryWindow),
			Shipper: ShipperConfig{
				Name:       stringWithDefault(lookup, "FULFILLMENT_SHIPPER_NAME", ""),
				Company:    stringWithDefault(lookup, "FULFILLMENT_SHIPPER_COMPANY", ""),
				Phone:      stringWithDefault(lookup, "FULFILLMENT_SHIPPER_PHONE", ""),
				Line1:      stringWithDefault(lookup, "FULFILLMENT_SHIPPER_LINE1", ""),
				Line2:      stringWithDefault(lookup, "FULFILLMENT_SHIPPER_LINE2", ""),
				City:       stringWithDefault(lookup, "FULFILLMENT_SHIPPER_CITY", ""),
				State:      stringWithDefault(lookup, "FULFILLMENT_SHIPPER_STATE", ""),
				PostalCode: stringWithDefault(lookup, "FULFILLMENT_SHIPPER_POSTAL_CODE", ""),
				Country:    strings.ToUpper(stringWithDefault(lookup, "FULFILLMENT_SHIPPER_COUNTRY", "US")),
			},
		},
		Events: EventsConfig{
			PubSubProjectID: stringWithDefault(lookup, "FULFILLMENT_EVENTS_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     stringWithDefault(lookup, "FULFILLMENT_EVENTS_PUBSUB_TOPIC", ""),
			KafkaBrokers:    csvWithDefault(lookup, "FULFILLMENT_EVENTS_KAFKA_BROKERS"),
			KafkaTopic:      stringWithDefault(lookup, "FULFILLMENT_EVENTS_KAFKA_TOPIC", ""),
		},
		Redis: RedisConfig{
			Addr:            stringWithDefault(lookup, "FULFILLMENT_REDIS_ADDR", ""),
			Password:        stringWithDefault(lookup, "FULFILLMENT_REDIS_PASSWORD", ""),
			DB:              intWithDefault(lookup, "FULFILLMENT_REDIS_DB", 0),
			WebhookDedupTTL: durationWithDefault(lookup, "FULFILLMENT_REDIS_WEBHOOK_DEDUP_TTL", defaultWebhookDedupTTL),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "FULFILLMENT_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "FULFILLMENT_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "FULFILLMENT_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "FULFILLMENT_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "FULFILLMENT_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "FULFILLMENT_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "FULFILLMENT_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "FULFILLMENT_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "FULFILLMENT_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "FULFILLMENT_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "FULFILLMENT_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "FULFILLMENT_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "FULFILLMENT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "FULFILLMENT_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "FULFILLMENT_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Reconciliation: ReconciliationConfig{
			PendingGrace:      durationWithDefault(lookup, "FULFILLMENT_RECONCILE_PENDING_GRACE", defaultPendingGrace),
			SweepBatchSize:    intWithDefault(lookup, "FULFILLMENT_RECONCILE_BATCH", defaultSweepBatch),
			CompensationBatch: intWithDefault(lookup, "FULFILLMENT_RECONCILE_COMPENSATION_BATCH", defaultSweepBatch),
		},
	}

	var invalid []string
	taxRate, err := decimal.NewFromString(stringWithDefault(lookup, "FULFILLMENT_PAYMENTS_TAX_RATE", "0"))
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		invalid = append(invalid, "Payments.TaxRate")
	} else {
		cfg.Payments.TaxRate = taxRate
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Carrier.TokenURL == "" && cfg.Carrier.BaseURL != "" {
		cfg.Carrier.TokenURL = cfg.Carrier.BaseURL + "/oauth/token"
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	secrets := newSecretRecorder(ctx, options.secret)
	for key, value := range cfg.Security.HMAC.Secrets {
		resolved, err := secrets.resolve(fmt.Sprintf("Security.HMAC.Secrets[%s]", key), value)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = resolved
	}
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
		{"Carrier.ClientSecret", &cfg.Carrier.ClientSecret},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := secrets.resolve(target.name, *target.field)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, secrets.resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if len(cfg.Payments.Currency) != 3 {
		missing = append(missing, "Payments.Currency")
	}
	if cfg.Payments.Timeout <= 0 {
		missing = append(missing, "Payments.Timeout")
	}
	if cfg.Carrier.BaseURL != "" {
		if cfg.Carrier.ClientID == "" {
			missing = append(missing, "Carrier.ClientID")
		}
		if cfg.Carrier.Shipper.Line1 == "" || cfg.Carrier.Shipper.City == "" || cfg.Carrier.Shipper.PostalCode == "" {
			missing = append(missing, "Carrier.Shipper")
		}
		if cfg.Carrier.RequestsPerSecond <= 0 {
			missing = append(missing, "Carrier.RequestsPerSecond")
		}
	}
	if len(cfg.Events.KafkaBrokers) > 0 && cfg.Events.KafkaTopic == "" {
		missing = append(missing, "Events.KafkaTopic")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Reconciliation.SweepBatchSize <= 0 {
		missing = append(missing, "Reconciliation.SweepBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
