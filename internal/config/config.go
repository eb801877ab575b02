package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env, optionally seeded from a .env file.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	Log       LogConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Provider  ProviderConfig
	Broadcast BroadcastConfig
	Voice     VoiceConfig
	Scheduler SchedulerConfig
	Storage   StorageConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type LogConfig struct {
	Level  string
	Format string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Pool tuning; zero keeps the pool defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// DevTokens enables the unauthenticated token endpoint. Never allowed in
	// production.
	DevTokens bool
}

// ProviderConfig points at the call-origination service.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// BroadcastConfig tunes dispatch and reconciliation. Zero values fall back to
// the package defaults of dispatch, reconcile and broadcast.
type BroadcastConfig struct {
	BatchSize             int
	PollInterval          time.Duration
	PollTimeout           time.Duration
	PollConcurrency       int
	InterBatchDelay       time.Duration
	MaxRetries            int
	RetryBackoff          time.Duration
	ConnectivityWarnAfter int
	// Retention is how long a finished broadcast stays queryable.
	Retention time.Duration
}

// VoiceConfig overrides the default voice; zero values keep the default.
type VoiceConfig struct {
	VoiceID           string
	Stability         int
	SimilarityBoost   int
	StyleExaggeration int
	AIProfile         string
}

type SchedulerConfig struct {
	Enabled          bool
	ScanInterval     time.Duration
	RecoveryInterval time.Duration
	Timezone         string
}

// StorageConfig selects backends.
//
//	STORE_DRIVER:    postgres | memory  (schedules, contact sets, audit)
//	SNAPSHOT_DRIVER: postgres | redis | memory
type StorageConfig struct {
	StoreDriver    string
	SnapshotDriver string
}

// LoadDotEnv seeds the environment from env files. Variables already set win.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Log.Level = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.Log.Format = strings.TrimSpace(os.Getenv("LOG_FORMAT"))

	c.Storage.StoreDriver = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	c.Storage.SnapshotDriver = strings.ToLower(strings.TrimSpace(os.Getenv("SNAPSHOT_DRIVER")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = optionalInt("DB_PORT", &parseErrs)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.MaxOpenConns = optionalInt("DB_MAX_OPEN_CONNS", &parseErrs)
	c.DB.MaxIdleConns = optionalInt("DB_MAX_IDLE_CONNS", &parseErrs)
	c.DB.ConnMaxLifetime = optionalDuration("DB_CONN_MAX_LIFETIME", &parseErrs)
	c.DB.ConnMaxIdleTime = optionalDuration("DB_CONN_MAX_IDLE_TIME", &parseErrs)
	c.DB.PingTimeout = optionalDuration("DB_PING_TIMEOUT", &parseErrs)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = optionalInt("REDIS_PORT", &parseErrs)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = optionalInt("REDIS_DB", &parseErrs)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optionalDuration("JWT_ACCESS_TTL", &parseErrs)
	c.Auth.RefreshTokenTTL = optionalDuration("JWT_REFRESH_TTL", &parseErrs)
	c.Auth.DevTokens = optionalBool("AUTH_DEV_TOKENS", false, &parseErrs)

	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	c.Provider.APIKey = os.Getenv("PROVIDER_API_KEY")
	c.Provider.Timeout = optionalDuration("PROVIDER_TIMEOUT", &parseErrs)

	c.Broadcast.BatchSize = optionalInt("BROADCAST_BATCH_SIZE", &parseErrs)
	c.Broadcast.PollInterval = optionalDuration("BROADCAST_POLL_INTERVAL", &parseErrs)
	c.Broadcast.PollTimeout = optionalDuration("BROADCAST_POLL_TIMEOUT", &parseErrs)
	c.Broadcast.PollConcurrency = optionalInt("BROADCAST_POLL_CONCURRENCY", &parseErrs)
	c.Broadcast.InterBatchDelay = optionalDuration("BROADCAST_INTER_BATCH_DELAY", &parseErrs)
	c.Broadcast.MaxRetries = optionalInt("BROADCAST_MAX_RETRIES", &parseErrs)
	c.Broadcast.RetryBackoff = optionalDuration("BROADCAST_RETRY_BACKOFF", &parseErrs)
	c.Broadcast.ConnectivityWarnAfter = optionalInt("BROADCAST_CONNECTIVITY_WARN_AFTER", &parseErrs)
	c.Broadcast.Retention = optionalDuration("BROADCAST_RETENTION", &parseErrs)

	c.Voice.VoiceID = strings.TrimSpace(os.Getenv("VOICE_ID"))
	c.Voice.Stability = optionalInt("VOICE_STABILITY", &parseErrs)
	c.Voice.SimilarityBoost = optionalInt("VOICE_SIMILARITY_BOOST", &parseErrs)
	c.Voice.StyleExaggeration = optionalInt("VOICE_STYLE_EXAGGERATION", &parseErrs)
	c.Voice.AIProfile = strings.TrimSpace(os.Getenv("VOICE_AI_PROFILE"))

	c.Scheduler.Enabled = optionalBool("SCHEDULER_ENABLED", true, &parseErrs)
	c.Scheduler.ScanInterval = optionalDuration("SCHEDULER_SCAN_INTERVAL", &parseErrs)
	c.Scheduler.RecoveryInterval = optionalDuration("SCHEDULER_RECOVERY_INTERVAL", &parseErrs)
	c.Scheduler.Timezone = strings.TrimSpace(os.Getenv("SCHEDULER_TIMEZONE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Storage.StoreDriver == "" {
		c.Storage.StoreDriver = "postgres"
	}
	if c.Storage.SnapshotDriver == "" {
		c.Storage.SnapshotDriver = c.Storage.StoreDriver
	}
	if c.Storage.StoreDriver != "postgres" && c.Storage.StoreDriver != "memory" {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Storage.StoreDriver))
	}
	switch c.Storage.SnapshotDriver {
	case "postgres", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("SNAPSHOT_DRIVER must be postgres, redis or memory, got %q", c.Storage.SnapshotDriver))
	}
	if c.IsProduction() && (c.Storage.StoreDriver == "memory" || c.Storage.SnapshotDriver == "memory") {
		errs = append(errs, errors.New("memory storage is not allowed in production"))
	}

	if c.UsesPostgres() {
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// production must be explicit
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
		if c.DB.MaxOpenConns < 0 {
			errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must not be negative, got %d", c.DB.MaxOpenConns))
		}
		if c.DB.MaxIdleConns < 0 {
			errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS must not be negative, got %d", c.DB.MaxIdleConns))
		}
		if c.DB.MaxOpenConns > 0 && c.DB.MaxIdleConns > c.DB.MaxOpenConns {
			errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) must not exceed DB_MAX_OPEN_CONNS (%d)", c.DB.MaxIdleConns, c.DB.MaxOpenConns))
		}
		for key, d := range map[string]time.Duration{
			"DB_CONN_MAX_LIFETIME":  c.DB.ConnMaxLifetime,
			"DB_CONN_MAX_IDLE_TIME": c.DB.ConnMaxIdleTime,
			"DB_PING_TIMEOUT":       c.DB.PingTimeout,
		} {
			if d < 0 {
				errs = append(errs, fmt.Errorf("%s must not be negative, got %s", key, d))
			}
		}
	}

	if c.Storage.SnapshotDriver == "redis" && c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required when SNAPSHOT_DRIVER=redis"))
	}
	if c.Redis.Host != "" && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.Port < 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Auth.DevTokens {
			errs = append(errs, errors.New("AUTH_DEV_TOKENS is not allowed in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_BASE_URL is required"))
	} else if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("PROVIDER_BASE_URL must be an http(s) url, got %q", c.Provider.BaseURL))
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 15 * time.Second
	}

	if c.Broadcast.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_BATCH_SIZE must not be negative, got %d", c.Broadcast.BatchSize))
	}
	if c.Broadcast.PollConcurrency < 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_POLL_CONCURRENCY must not be negative, got %d", c.Broadcast.PollConcurrency))
	}
	if c.Broadcast.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_MAX_RETRIES must not be negative, got %d", c.Broadcast.MaxRetries))
	}
	switch {
	case c.Broadcast.Retention < 0:
		errs = append(errs, fmt.Errorf("BROADCAST_RETENTION must not be negative, got %s", c.Broadcast.Retention))
	case c.Broadcast.Retention == 0:
		c.Broadcast.Retention = 30 * 24 * time.Hour
	}
	for key, v := range map[string]int{
		"VOICE_STABILITY":          c.Voice.Stability,
		"VOICE_SIMILARITY_BOOST":   c.Voice.SimilarityBoost,
		"VOICE_STYLE_EXAGGERATION": c.Voice.StyleExaggeration,
	} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s must be within 0..100, got %d", key, v))
		}
	}

	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("SCHEDULER_TIMEZONE is not a known zone: %q", c.Scheduler.Timezone))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) UsesPostgres() bool {
	return c.Storage.StoreDriver == "postgres" || c.Storage.SnapshotDriver == "postgres"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Location is the scheduler time zone; Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func optionalDuration(key string, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration like 10s, got %q", key, v))
		return 0
	}
	return d
}

func optionalBool(key string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
