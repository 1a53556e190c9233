package config

import (
	"os"
	"strings"

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
	RateLimit RateLimitConfig
	Store     StoreConfig
	Jobs      JobsConfig
	Retry     RetryConfig
	Health    HealthConfig
	Services  ServicesConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string // empty disables auth
}

type RateLimitConfig struct {
	JobsPerHour int
}

type StoreConfig struct {
	DataDir string
}

type JobsConfig struct {
	WorkerConcurrency int // concurrent jobs across the worker server
	VideoConcurrency  int // concurrent videos within one job
	MaxRetries        int // automatic job-level retry budget
	MaxManualRetries  int // ceiling on manual retries of a failed job
}

type RetryConfig struct {
	MaxAttempts     int
	BaseDelaySec    int
	MaxDelaySec     int
	ExponentialBase float64
	Jitter          bool
}

type HealthConfig struct {
	IntervalSec      int
	ProbeTimeoutSec  int
	FailureThreshold int
}

type ServicesConfig struct {
	Metadata   ServiceConfig
	Storage    ServiceConfig
	Downloader ServiceConfig
}

type ServiceConfig struct {
	URL     string
	Timeout int // seconds
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")

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
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("store.data_dir", "STORE_DATA_DIR")
	_ = viper.BindEnv("jobs.worker_concurrency", "JOBS_WORKER_CONCURRENCY")
	_ = viper.BindEnv("jobs.video_concurrency", "JOBS_VIDEO_CONCURRENCY")
	_ = viper.BindEnv("jobs.max_retries", "JOBS_MAX_RETRIES")
	_ = viper.BindEnv("jobs.max_manual_retries", "JOBS_MAX_MANUAL_RETRIES")
	_ = viper.BindEnv("retry.max_attempts", "RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("retry.base_delay_sec", "RETRY_BASE_DELAY_SEC")
	_ = viper.BindEnv("retry.max_delay_sec", "RETRY_MAX_DELAY_SEC")
	_ = viper.BindEnv("retry.exponential_base", "RETRY_EXPONENTIAL_BASE")
	_ = viper.BindEnv("retry.jitter", "RETRY_JITTER")
	_ = viper.BindEnv("health.interval_sec", "HEALTH_INTERVAL_SEC")
	_ = viper.BindEnv("health.probe_timeout_sec", "HEALTH_PROBE_TIMEOUT_SEC")
	_ = viper.BindEnv("health.failure_threshold", "HEALTH_FAILURE_THRESHOLD")
	_ = viper.BindEnv("services.metadata.url", "METADATA_SERVICE_URL")
	_ = viper.BindEnv("services.metadata.timeout", "METADATA_SERVICE_TIMEOUT")
	_ = viper.BindEnv("services.storage.url", "STORAGE_SERVICE_URL")
	_ = viper.BindEnv("services.storage.timeout", "STORAGE_SERVICE_TIMEOUT")
	_ = viper.BindEnv("services.downloader.url", "DOWNLOADER_SERVICE_URL")
	_ = viper.BindEnv("services.downloader.timeout", "DOWNLOADER_SERVICE_TIMEOUT")
	_ = viper.BindEnv("ratelimit.jobs_per_hour", "RATELIMIT_JOBS_PER_HOUR")

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("ratelimit.jobs_per_hour", 100)
	viper.SetDefault("store.data_dir", "./data/jobs")

	// Job scheduling defaults
	viper.SetDefault("jobs.worker_concurrency", 10)
	viper.SetDefault("jobs.video_concurrency", 3)
	viper.SetDefault("jobs.max_retries", 3)
	viper.SetDefault("jobs.max_manual_retries", 3)

	// Retry policy defaults
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_delay_sec", 2)
	viper.SetDefault("retry.max_delay_sec", 60)
	viper.SetDefault("retry.exponential_base", 2.0)
	viper.SetDefault("retry.jitter", true)

	// Health monitoring defaults
	viper.SetDefault("health.interval_sec", 30)
	viper.SetDefault("health.probe_timeout_sec", 5)
	viper.SetDefault("health.failure_threshold", 3)

	// Dependent service defaults
	viper.SetDefault("services.metadata.url", "http://localhost:8081")
	viper.SetDefault("services.metadata.timeout", 30)
	viper.SetDefault("services.storage.url", "http://localhost:8082")
	viper.SetDefault("services.storage.timeout", 30)
	viper.SetDefault("services.downloader.url", "http://localhost:8083")
	viper.SetDefault("services.downloader.timeout", 1800)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			JWTSecret: viper.GetString("auth.jwt_secret"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour: viper.GetInt("ratelimit.jobs_per_hour"),
		},
		Store: StoreConfig{
			DataDir: viper.GetString("store.data_dir"),
		},
		Jobs: JobsConfig{
			WorkerConcurrency: viper.GetInt("jobs.worker_concurrency"),
			VideoConcurrency:  viper.GetInt("jobs.video_concurrency"),
			MaxRetries:        viper.GetInt("jobs.max_retries"),
			MaxManualRetries:  viper.GetInt("jobs.max_manual_retries"),
		},
		Retry: RetryConfig{
			MaxAttempts:     viper.GetInt("retry.max_attempts"),
			BaseDelaySec:    viper.GetInt("retry.base_delay_sec"),
			MaxDelaySec:     viper.GetInt("retry.max_delay_sec"),
			ExponentialBase: viper.GetFloat64("retry.exponential_base"),
			Jitter:          viper.GetBool("retry.jitter"),
		},
		Health: HealthConfig{
			IntervalSec:      viper.GetInt("health.interval_sec"),
			ProbeTimeoutSec:  viper.GetInt("health.probe_timeout_sec"),
			FailureThreshold: viper.GetInt("health.failure_threshold"),
		},
		Services: ServicesConfig{
			Metadata: ServiceConfig{
				URL:     viper.GetString("services.metadata.url"),
				Timeout: viper.GetInt("services.metadata.timeout"),
			},
			Storage: ServiceConfig{
				URL:     viper.GetString("services.storage.url"),
				Timeout: viper.GetInt("services.storage.timeout"),
			},
			Downloader: ServiceConfig{
				URL:     viper.GetString("services.downloader.url"),
				Timeout: viper.GetInt("services.downloader.timeout"),
			},
		},
	}

	return cfg, nil
}
