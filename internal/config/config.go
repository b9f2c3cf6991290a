package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SMS gateway
	SMSProvider string // "sns" or "log"
	AWSRegion   string
	SMSSenderID string // optional alphanumeric sender ID

	// Dispatch
	DispatchInterval  time.Duration // how often the due-reminder scan runs
	DispatchBatchSize int           // max reminders per tick
	SendTimeout       time.Duration // per-message gateway timeout

	// Verification
	CodeTTL time.Duration // how long an issued code stays valid
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "nudge",
		DBPassword: "",
		DBName:     "nudge",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		SMSProvider: "log",
		AWSRegion:   "us-east-1",

		DispatchInterval:  1 * time.Minute,
		DispatchBatchSize: 100,
		SendTimeout:       15 * time.Second,

		CodeTTL: 10 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// SMS gateway config
	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		if provider != "sns" && provider != "log" {
			return nil, fmt.Errorf("invalid SMS_PROVIDER: %q (must be sns or log)", provider)
		}
		cfg.SMSProvider = provider
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if sender := os.Getenv("SMS_SENDER_ID"); sender != "" {
		cfg.SMSSenderID = sender
	}

	// Dispatch config
	if interval := os.Getenv("DISPATCH_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_INTERVAL: %w", err)
		}
		cfg.DispatchInterval = d
	}

	if batch := os.Getenv("DISPATCH_BATCH_SIZE"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = b
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	// Verification config
	if ttl := os.Getenv("VERIFICATION_CODE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid VERIFICATION_CODE_TTL: %w", err)
		}
		cfg.CodeTTL = d
	}

	return cfg, nil
}
