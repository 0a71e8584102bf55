package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	StaffToken  string
	Timezone    string

	PatientServiceURL    string
	DepartmentServiceURL string
	CollaboratorTimeout  time.Duration

	DisplayNextUpLimit    int
	DisplayMaxAge         time.Duration
	DisplayPollInterval   time.Duration

	RateLimitPerMinute           int
	RateLimitBurst               int
	DepartmentRateLimitPerMinute int
	DepartmentRateLimitBurst     int

	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	timezone := os.Getenv("CLINIC_TIMEZONE")
	if timezone == "" {
		timezone = "Asia/Jakarta"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		StaffToken:  os.Getenv("STAFF_TOKEN"),
		Timezone:    timezone,

		PatientServiceURL:    os.Getenv("PATIENT_SERVICE_URL"),
		DepartmentServiceURL: os.Getenv("DEPARTMENT_SERVICE_URL"),
		CollaboratorTimeout:  readDurationSeconds("COLLABORATOR_TIMEOUT_SECONDS", 3),

		DisplayNextUpLimit:  readInt("DISPLAY_NEXT_UP_LIMIT", 5),
		DisplayMaxAge:       readDurationSeconds("DISPLAY_MAX_AGE_SECONDS", 2),
		DisplayPollInterval: readDurationSeconds("DISPLAY_POLL_INTERVAL_SECONDS", 2),

		RateLimitPerMinute:           readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:               readInt("RATE_LIMIT_BURST", 30),
		DepartmentRateLimitPerMinute: readInt("DEPARTMENT_RATE_LIMIT_PER_MIN", 600),
		DepartmentRateLimitBurst:     readInt("DEPARTMENT_RATE_LIMIT_BURST", 120),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: readBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
