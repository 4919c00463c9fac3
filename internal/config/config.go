package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Demo      DemoConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Gemini    GeminiConfig
	Jobs      JobsConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret     string
	JWTExpiration int // hours
	OIDCIssuer    string
	OIDCClientID  string
}

// DemoConfig seeds demo access codes. Codes is a comma-separated
// "code" or "code:uses" list; DefaultUses applies when uses is omitted.
type DemoConfig struct {
	Codes       string
	DefaultUses int
}

type RateLimitConfig struct {
	CreatePerHour int
	UploadPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type GeminiConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	PremiumModel    string
	UploadTimeout   time.Duration
	PollInterval    time.Duration
	PollTimeout     time.Duration
	GenerateTimeout time.Duration
}

type JobsConfig struct {
	TTL           time.Duration
	Staleness     time.Duration
	PreviewLen    int
	SweepInterval time.Duration
}

// WorkerConfig selects the dispatch path: URL set means dispatch goes to a
// separate worker service over HTTP, otherwise jobs run on the embedded
// asynq server.
type WorkerConfig struct {
	URL             string
	Secret          string
	DispatchTimeout time.Duration
	Concurrency     int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("GEMINI_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("JWT_SECRET")
	readSecret("WORKER_SECRET")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("auth.jwt_expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("auth.oidc_issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("auth.oidc_client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("demo.codes", "DEMO_CODES")
	_ = viper.BindEnv("demo.default_uses", "DEMO_DEFAULT_USES")
	_ = viper.BindEnv("ratelimit.create_per_hour", "RATELIMIT_CREATE_PER_HOUR")
	_ = viper.BindEnv("ratelimit.upload_per_hour", "RATELIMIT_UPLOAD_PER_HOUR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	_ = viper.BindEnv("gemini.base_url", "GEMINI_BASE_URL")
	_ = viper.BindEnv("gemini.model", "GEMINI_MODEL")
	_ = viper.BindEnv("gemini.premium_model", "GEMINI_PREMIUM_MODEL")
	_ = viper.BindEnv("gemini.upload_timeout", "GEMINI_UPLOAD_TIMEOUT")
	_ = viper.BindEnv("gemini.poll_interval", "GEMINI_POLL_INTERVAL")
	_ = viper.BindEnv("gemini.poll_timeout", "GEMINI_POLL_TIMEOUT")
	_ = viper.BindEnv("gemini.generate_timeout", "GEMINI_GENERATE_TIMEOUT")
	_ = viper.BindEnv("jobs.ttl", "JOBS_TTL")
	_ = viper.BindEnv("jobs.staleness", "JOBS_STALENESS")
	_ = viper.BindEnv("jobs.result_preview_len", "JOBS_RESULT_PREVIEW_LEN")
	_ = viper.BindEnv("jobs.sweep_interval", "JOBS_SWEEP_INTERVAL")
	_ = viper.BindEnv("worker.url", "WORKER_URL")
	_ = viper.BindEnv("worker.secret", "WORKER_SECRET")
	_ = viper.BindEnv("worker.dispatch_timeout", "WORKER_DISPATCH_TIMEOUT")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("auth.jwt_secret", "change-me-in-production")
	viper.SetDefault("auth.jwt_expiration", 24)
	viper.SetDefault("demo.codes", "")
	viper.SetDefault("demo.default_uses", 3)
	viper.SetDefault("ratelimit.create_per_hour", 10)
	viper.SetDefault("ratelimit.upload_per_hour", 60)

	// Gemini defaults
	viper.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	viper.SetDefault("gemini.model", "gemini-2.5-flash")
	viper.SetDefault("gemini.premium_model", "gemini-2.5-pro")
	viper.SetDefault("gemini.upload_timeout", "120s")
	viper.SetDefault("gemini.poll_interval", "2s")
	viper.SetDefault("gemini.poll_timeout", "4m")
	viper.SetDefault("gemini.generate_timeout", "5m")

	// Job record defaults
	viper.SetDefault("jobs.ttl", "24h")
	viper.SetDefault("jobs.staleness", "10m")
	viper.SetDefault("jobs.result_preview_len", 280)
	viper.SetDefault("jobs.sweep_interval", "0")

	// Worker defaults
	viper.SetDefault("worker.url", "")
	viper.SetDefault("worker.secret", "")
	viper.SetDefault("worker.dispatch_timeout", "5s")
	viper.SetDefault("worker.concurrency", 4)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			JWTSecret:     viper.GetString("auth.jwt_secret"),
			JWTExpiration: viper.GetInt("auth.jwt_expiration"),
			OIDCIssuer:    viper.GetString("auth.oidc_issuer"),
			OIDCClientID:  viper.GetString("auth.oidc_client_id"),
		},
		Demo: DemoConfig{
			Codes:       viper.GetString("demo.codes"),
			DefaultUses: viper.GetInt("demo.default_uses"),
		},
		RateLimit: RateLimitConfig{
			CreatePerHour: viper.GetInt("ratelimit.create_per_hour"),
			UploadPerHour: viper.GetInt("ratelimit.upload_per_hour"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Gemini: GeminiConfig{
			APIKey:          viper.GetString("gemini.api_key"),
			BaseURL:         viper.GetString("gemini.base_url"),
			Model:           viper.GetString("gemini.model"),
			PremiumModel:    viper.GetString("gemini.premium_model"),
			UploadTimeout:   viper.GetDuration("gemini.upload_timeout"),
			PollInterval:    viper.GetDuration("gemini.poll_interval"),
			PollTimeout:     viper.GetDuration("gemini.poll_timeout"),
			GenerateTimeout: viper.GetDuration("gemini.generate_timeout"),
		},
		Jobs: JobsConfig{
			TTL:           viper.GetDuration("jobs.ttl"),
			Staleness:     viper.GetDuration("jobs.staleness"),
			PreviewLen:    viper.GetInt("jobs.result_preview_len"),
			SweepInterval: viper.GetDuration("jobs.sweep_interval"),
		},
		Worker: WorkerConfig{
			URL:             viper.GetString("worker.url"),
			Secret:          viper.GetString("worker.secret"),
			DispatchTimeout: viper.GetDuration("worker.dispatch_timeout"),
			Concurrency:     viper.GetInt("worker.concurrency"),
		},
	}

	return cfg, nil
}
