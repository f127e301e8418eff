package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Storage
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	EtcdEndpoints []string

	// RunStore selects the success protocol backend: postgres, redis, etcd
	// or memory.
	RunStore string
	// ResourceStore selects where snapshots go: postgres or memory.
	ResourceStore string

	// Sample archive; S3 when a bucket is set, else the local directory.
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	ArchiveDir        string
	ArchiveThreshold  int

	// Pipeline
	HookPolicy         string
	GateSelf           string
	GateDependencies   string
	GateSkipSelf       bool
	GateBreaker        bool
	SampleInterval     time.Duration
	SamplerJoinTimeout time.Duration

	// Executor
	ExecutorConcurrency int
	ExecutorGroup       string

	// API
	APIPort        string
	JWTSecret      string
	RateLimitRPS   int
	RateLimitBurst int

	// Observability
	LogLevel        string
	LogEncoding     string
	TracingEnabled  bool
	TracingEndpoint string
	SamplingRate    float64

	JobsFile string
}

func LoadConfig() *Config {
	return &Config{
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "jobpipe"),
		DBPassword:    getEnv("DB_PASSWORD", "password"),
		DBName:        getEnv("DB_NAME", "jobpipe"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		EtcdEndpoints: getEnvAsList("ETCD_ENDPOINTS", []string{"localhost:2379"}),

		RunStore:      getEnv("RUN_STORE", "postgres"),
		ResourceStore: getEnv("RESOURCE_STORE", "postgres"),

		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", "samples/"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		ArchiveDir:        getEnv("ARCHIVE_DIR", ""),
		ArchiveThreshold:  getEnvAsInt("ARCHIVE_THRESHOLD", 1000),

		HookPolicy:         getEnv("HOOK_POLICY", "fail-open"),
		GateSelf:           getEnv("GATE_SELF_MISSING", "permit"),
		GateDependencies:   getEnv("GATE_DEPENDENCY_MISSING", "deny"),
		GateSkipSelf:       getEnvAsBool("GATE_SKIP_SELF", false),
		GateBreaker:        getEnvAsBool("GATE_CIRCUIT_BREAKER", true),
		SampleInterval:     getEnvAsDuration("MONITOR_SAMPLE_INTERVAL", 10*time.Millisecond),
		SamplerJoinTimeout: getEnvAsDuration("MONITOR_JOIN_TIMEOUT", 100*time.Millisecond),

		ExecutorConcurrency: getEnvAsInt("EXECUTOR_CONCURRENCY", 0),
		ExecutorGroup:       getEnv("EXECUTOR_GROUP", "jobpipe-executors"),

		APIPort:        getEnv("API_PORT", "8080"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 100),

		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogEncoding:     getEnv("LOG_ENCODING", "json"),
		TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		SamplingRate:    getEnvAsFloat("TRACING_SAMPLING_RATE", 1.0),

		JobsFile: getEnv("JOBS_FILE", "jobs.yaml"),
	}
}

// PostgresDSN builds the connection string for the gorm postgres driver.
func (c *Config) PostgresDSN() string {
	return "host=" + c.DBHost + " port=" + c.DBPort + " user=" + c.DBUser +
		" password=" + c.DBPassword + " dbname=" + c.DBName + " sslmode=disable"
}

// RedisAddr returns host:port.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
