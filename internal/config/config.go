package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Recognition backends.
const (
	BackendRekognition = "rekognition"
	BackendGRPC        = "grpc"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Recognition RecognitionConfig
	Lookup      LookupConfig
	Capture     CaptureConfig
	LogLevel    string
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// VehicleTTL is how long a decoded plate stays cached.
	VehicleTTL time.Duration
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
	JWTIssuer   string
	Leeway      time.Duration
}

type RecognitionConfig struct {
	Backend   string
	Timeout   time.Duration
	AWSRegion string
	GRPCAddr  string
}

type LookupConfig struct {
	Endpoint string
	Country  string
	Timeout  time.Duration
	// ServiceToken is used when no user token is being forwarded, e.g. from the CLI.
	ServiceToken string
}

type CaptureConfig struct {
	SpoolDir    string
	JPEGQuality float64
	IdleTTL     time.Duration
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("SERVER_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			DSN:          getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=ekko port=5432 sslmode=disable"),
			MaxIdleConns: getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			MaxOpenConns: getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", "redis:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvAsInt("REDIS_DB", 0),
			VehicleTTL: getEnvAsDuration("VEHICLE_CACHE_TTL", 24*time.Hour),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			JWTAudience: getEnv("JWT_AUDIENCE", ""),
			JWTIssuer:   getEnv("JWT_ISSUER", ""),
			Leeway:      getEnvAsDuration("JWT_LEEWAY", 30*time.Second),
		},
		Recognition: RecognitionConfig{
			Backend:   strings.ToLower(getEnv("RECOGNITION_BACKEND", BackendRekognition)),
			Timeout:   getEnvAsDuration("RECOGNITION_TIMEOUT", 15*time.Second),
			AWSRegion: getEnv("AWS_REGION", "eu-west-1"),
			GRPCAddr:  getEnv("OCR_GRPC_ADDR", "ocr-sidecar:50051"),
		},
		Lookup: LookupConfig{
			Endpoint:     getEnv("LOOKUP_GRAPHQL_ENDPOINT", "http://backend:4000/graphql"),
			Country:      strings.ToUpper(getEnv("PLATE_COUNTRY", "FR")),
			Timeout:      getEnvAsDuration("LOOKUP_TIMEOUT", 10*time.Second),
			ServiceToken: getEnv("LOOKUP_SERVICE_TOKEN", ""),
		},
		Capture: CaptureConfig{
			SpoolDir:    getEnv("CAPTURE_SPOOL_DIR", os.TempDir()),
			JPEGQuality: getEnvAsFloat("CAPTURE_JPEG_QUALITY", 0.7),
			IdleTTL:     getEnvAsDuration("CAPTURE_IDLE_TTL", 30*time.Minute),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Recognition.Backend {
	case BackendRekognition, BackendGRPC:
	default:
		errs = append(errs, fmt.Errorf("RECOGNITION_BACKEND must be %q or %q, got %q", BackendRekognition, BackendGRPC, c.Recognition.Backend))
	}
	if c.Recognition.Timeout <= 0 {
		errs = append(errs, errors.New("RECOGNITION_TIMEOUT must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("15s") or a bare number of seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
