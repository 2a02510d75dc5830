package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every setting of the relay. Only this struct is used to
// read configuration; no direct env access elsewhere.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=chat_relay"`
	AppDebug            bool   `env:"APP_DEBUG,default=false"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr            string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpBaseRequestUrl        string        `env:"HTTP_BASE_REQUEST_URI,default=/api/v1"`
	HttpServerReadTimeout     int           `env:"HTTP_SERVER_READ_TIMEOUT,default=10"`
	HttpServerWriteTimeout    int           `env:"HTTP_SERVER_WRITE_TIMEOUT,default=30"`
	HttpServerReadBufferSize  int           `env:"HTTP_SERVER_READ_BUFFER_SIZE,default=8192"`
	HttpServerWriteBufferSize int           `env:"HTTP_SERVER_WRITE_BUFFER_SIZE,default=8192"`
	HttpRequestTimeout        time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=30s"`
	HttpShutdownTimeout       time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=30s"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST,default=localhost"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER,default=postgres"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME,default=chat_relay"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST,default=localhost"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER,default=postgres"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME,default=chat_relay"`

	PostgresMigrationsDir string `env:"POSTGRES_MIGRATIONS_DIR,default=migrations"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE,default=chat_relay"`

	GatewayBaseURL     string        `env:"GATEWAY_BASE_URL,default=https://api.twilio.com/2010-04-01"`
	GatewayAccountSID  string        `env:"GATEWAY_ACCOUNT_SID"`
	GatewayAuthToken   string        `env:"GATEWAY_AUTH_TOKEN"`
	GatewayFromNumber  string        `env:"GATEWAY_FROM_NUMBER"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT,default=10s"`
	GatewayMaxConns    int           `env:"GATEWAY_MAX_CONNS,default=100"`
	GatewayCallbackURL string        `env:"GATEWAY_STATUS_CALLBACK_URL"`

	PhoneDefaultCountryCode string `env:"PHONE_DEFAULT_COUNTRY_CODE"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY,default=1s"`

	DeliveryWorkers   int           `env:"DELIVERY_WORKERS,default=8"`
	DeliveryQueueSize int           `env:"DELIVERY_QUEUE_SIZE,default=1024"`
	DeliverySyncWait  time.Duration `env:"DELIVERY_SYNC_WAIT,default=5s"`

	RealtimeIdleTimeout   time.Duration `env:"REALTIME_IDLE_TIMEOUT,default=5m"`
	RealtimePingInterval  time.Duration `env:"REALTIME_PING_INTERVAL,default=30s"`
	RealtimeRelayEnable   bool          `env:"REALTIME_RELAY_ENABLE,default=false"`
	RealtimeRelayStream   string        `env:"REALTIME_RELAY_STREAM,default=relay:events"`
	RealtimeRelayPoll     time.Duration `env:"REALTIME_RELAY_POLL_INTERVAL,default=100ms"`

	// comma separated; empty accepts any origin
	RealtimeAllowedOrigins string `env:"REALTIME_ALLOWED_ORIGINS"`

	ReconcileSweepInterval time.Duration `env:"RECONCILE_SWEEP_INTERVAL,default=1m"`
	ReconcileStaleAfter    time.Duration `env:"RECONCILE_STALE_AFTER,default=5m"`
	ReconcileMaxAge        time.Duration `env:"RECONCILE_MAX_AGE,default=24h"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to configuration")
	}
	if err := c.validate(); err != nil {
		return err
	}

	config = c
	return nil
}

func (c *Config) validate() error {
	if c.RetryMaxAttempts < 0 {
		return errors.Errorf("RETRY_MAX_ATTEMPTS must not be negative, got %d", c.RetryMaxAttempts)
	}
	if c.DeliveryWorkers < 1 {
		return errors.Errorf("DELIVERY_WORKERS must be at least 1, got %d", c.DeliveryWorkers)
	}
	if c.RealtimeRelayEnable && c.RedisAddr == "" {
		return errors.New("REALTIME_RELAY_ENABLE requires REDIS_ADDR")
	}
	return nil
}

// ValidateRelay checks the settings only the relay process needs, so the
// migration cli can run without gateway credentials.
func (c *Config) ValidateRelay() error {
	if c.GatewayAccountSID == "" || c.GatewayAuthToken == "" {
		return errors.New("GATEWAY_ACCOUNT_SID and GATEWAY_AUTH_TOKEN are required")
	}
	if strings.TrimSpace(c.GatewayFromNumber) == "" {
		return errors.New("GATEWAY_FROM_NUMBER is required")
	}
	return nil
}

// AllowedOrigins returns the websocket origin allow list.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.RealtimeAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// RedisEnabled reports whether a Redis server is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
