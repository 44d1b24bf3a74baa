package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envFileVar = "HAMSOKHAN_ENV_FILE"

type Config struct {
	Port             string
	Environment      string
	DatabasePath     string
	JWTSecret        string
	CORSOrigins      string
	MaxUploadSize    int64
	FileStoragePath  string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	RedisURL         string
	HistoryCacheTTL  time.Duration
	HistoryCacheSize int
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	LogLevel         string
	LogFormat        string
}

// Load builds the configuration from the process environment. Values from the
// env file named by HAMSOKHAN_ENV_FILE (or ./.env when present) fill in keys
// that are not set in the real environment.
func Load() *Config {
	fileEnv := readEnvFile()
	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := fileEnv[key]; exists {
			return value
		}
		return defaultValue
	}

	return &Config{
		Port:             getEnv("PORT", "4040"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		DatabasePath:     getEnv("DATABASE_PATH", "./data/hamsokhan.db"),
		JWTSecret:        getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:      getEnv("CORS_ORIGINS", "http://localhost:5173"),
		MaxUploadSize:    parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760"), 10485760), // 10MB default
		FileStoragePath:  getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		PingInterval:     parseDuration(getEnv("PING_INTERVAL", "5s"), 5*time.Second),
		PongTimeout:      parseDuration(getEnv("PONG_TIMEOUT", "1s"), time.Second),
		RedisURL:         getEnv("REDIS_URL", ""),
		HistoryCacheTTL:  parseDuration(getEnv("HISTORY_CACHE_TTL", "10m"), 10*time.Minute),
		HistoryCacheSize: int(parseInt64(getEnv("HISTORY_CACHE_SIZE", "200"), 200)),
		VAPIDPublicKey:   getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey:  getEnv("VAPID_PRIVATE_KEY", ""),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
}

// IsProduction reports whether ENVIRONMENT is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func readEnvFile() map[string]string {
	path, explicit := os.LookupEnv(envFileVar)
	if !explicit || path == "" {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return map[string]string{}
	}
	return values
}

func parseInt64(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
