package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	// GatewayIPNSecret is the shared secret used to authenticate
	// inbound payment notifications (HMAC-SHA512 over the raw body).
	GatewayIPNSecret string

	// VaultMasterSecret derives the 256-bit key-wrapping key for
	// stored license secrets.
	VaultMasterSecret string

	// SignedURLSecret signs time-limited key download links.
	SignedURLSecret string

	// PublicBaseURL prefixes signed download links handed to buyers.
	PublicBaseURL string

	StoreTimeoutSeconds int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:             getenv("APP_SERVICE", "keymint"),
		AppVersion:          getenv("APP_VERSION", "0.1.0"),
		Environment:         getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:        getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:              getenv("DATABASE_TYPE", "postgres"),
		DBHost:              getenv("DATABASE_HOST", "localhost"),
		DBPort:              getenv("DATABASE_PORT", "5432"),
		DBName:              getenv("DATABASE_NAME", "keymint"),
		DBUser:              getenv("DATABASE_USER", "postgres"),
		DBPassword:          getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:           getenv("DATABASE_SSLMODE", "disable"),
		DBPath:              getenv("DATABASE_PATH", ""),
		DBMaxIdleConn:       getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:       getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime:   getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		RedisAddr:           getenv("REDIS_ADDR", ""),
		RedisPassword:       getenv("REDIS_PASSWORD", ""),
		GatewayIPNSecret:    strings.TrimSpace(getenv("GATEWAY_IPN_SECRET", "")),
		VaultMasterSecret:   strings.TrimSpace(getenv("VAULT_MASTER_SECRET", "")),
		SignedURLSecret:     strings.TrimSpace(getenv("SIGNED_URL_SECRET", "")),
		PublicBaseURL:       strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		StoreTimeoutSeconds: getenvInt("STORE_TIMEOUT_SECONDS", 10),
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
