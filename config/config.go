// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	AutoMigrate        bool
	LogLevel           string
	GoogleCloudProject string

	// EntropyProvider は "system"（OSのCSPRNG）または "kms"（Cloud HSM乱数）。
	EntropyProvider string
	KMSLocation     string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	BootstrapAdmin     string
	SignatureScheme    string
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AutoMigrate:        getEnvBool("DB_AUTO_MIGRATE", false),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		EntropyProvider:    getEnv("ENTROPY_PROVIDER", "system"),
		KMSLocation:        os.Getenv("KMS_LOCATION"),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "trade-settlement-service"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
		BootstrapAdmin:     os.Getenv("BOOTSTRAP_ADMIN"),
		SignatureScheme:    getEnv("SIGNATURE_SCHEME", "ML-DSA-65"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getEnvFloat(key string, defaultVal float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getEnvInt(key string, defaultVal int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultVal
	}
	return parsed
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var values []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
