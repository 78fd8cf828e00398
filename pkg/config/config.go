// Package config loads runtime configuration from the environment and
// operator policy files from YAML.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	StoreBackend  string
	DatabaseURL   string
	SQLitePath    string
	PolicyPath    string
	WebhookURL    string
	JWTSecret     string
	OTLPEndpoint  string
	TracesEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://tiller@localhost:5432/tiller?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "tiller.db"
	}

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		StoreBackend:  backend,
		DatabaseURL:   dbURL,
		SQLitePath:    sqlitePath,
		PolicyPath:    os.Getenv("POLICY_PATH"),
		WebhookURL:    os.Getenv("ESCALATION_WEBHOOK_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
		TracesEnabled: os.Getenv("TRACES_ENABLED") == "true",
	}
}
