package config

import (
	"os"
	"strconv"
)

type Config struct {
	// Container backend: "docker" or "k8s"
	SANDBOX_BACKEND string

	POOL_SIZE               int
	PORT_RANGE_START        int
	PORT_RANGE_END          int
	DEPLOY_TIMEOUT_SECONDS  int
	COMMAND_TIMEOUT_SECONDS int
	AUTO_CLEANUP            bool
	DAEMON_PORT             int

	RUNTIME_TOKEN_SECRET string
	WORKDIR_ROOT         string

	// Multi-worker coordination; empty means in-memory state
	REDIS_URL string

	K8S_NAMESPACE string
	KUBECONFIG    string

	CLOUD_DESKTOP_API_BASE string
	CLOUD_DESKTOP_API_KEY  string
	CLOUD_DESKTOP_ID       string

	CLOUD_PHONE_API_BASE   string
	CLOUD_PHONE_API_KEY    string
	CLOUD_PHONE_INSTANCE   string
	CLOUD_PHONE_AUTO_START bool

	// Otel
	OTEL_EXPORTER_OTLP_ENDPOINT string
}

func ReadConfig() *Config {
	return &Config{
		SANDBOX_BACKEND: getEnvOrDefault("SANDBOX_BACKEND", "docker"),

		POOL_SIZE:               getEnvInt("POOL_SIZE", 2),
		PORT_RANGE_START:        getEnvInt("PORT_RANGE_START", 32000),
		PORT_RANGE_END:          getEnvInt("PORT_RANGE_END", 32999),
		DEPLOY_TIMEOUT_SECONDS:  getEnvInt("DEPLOY_TIMEOUT_SECONDS", 180),
		COMMAND_TIMEOUT_SECONDS: getEnvInt("COMMAND_TIMEOUT_SECONDS", 60),
		AUTO_CLEANUP:            getEnvOrDefault("AUTO_CLEANUP", "true") == "true",
		DAEMON_PORT:             getEnvInt("DAEMON_PORT", 8080),

		RUNTIME_TOKEN_SECRET: os.Getenv("RUNTIME_TOKEN_SECRET"),
		WORKDIR_ROOT:         os.Getenv("WORKDIR_ROOT"),

		REDIS_URL: os.Getenv("REDIS_URL"),

		K8S_NAMESPACE: getEnvOrDefault("K8S_NAMESPACE", "runbox-sandbox"),
		KUBECONFIG:    os.Getenv("KUBECONFIG"),

		CLOUD_DESKTOP_API_BASE: os.Getenv("CLOUD_DESKTOP_API_BASE"),
		CLOUD_DESKTOP_API_KEY:  os.Getenv("CLOUD_DESKTOP_API_KEY"),
		CLOUD_DESKTOP_ID:       os.Getenv("CLOUD_DESKTOP_ID"),

		CLOUD_PHONE_API_BASE:   os.Getenv("CLOUD_PHONE_API_BASE"),
		CLOUD_PHONE_API_KEY:    os.Getenv("CLOUD_PHONE_API_KEY"),
		CLOUD_PHONE_INSTANCE:   os.Getenv("CLOUD_PHONE_INSTANCE"),
		CLOUD_PHONE_AUTO_START: os.Getenv("CLOUD_PHONE_AUTO_START") == "true",

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
