package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

type EventSink string

const (
	PostgresEventSink EventSink = "postgres"
	RedisEventSink    EventSink = "redis"
)

const (
	DEFAULT_PORT                 = "8123"
	DEFAULT_EVENT_FLUSH_INTERVAL = 5 * time.Second
	DEFAULT_DEVICE_DIAL_TIMEOUT  = 5 * time.Second
	DEFAULT_MAX_BUFFERED_EVENTS  = 10_000
)

type Config struct {
	port                   string
	cloudSQLUnixSocketPath string
	dBPassword             string
	dBUsername             string
	sentryDSN              string
	redisAddr              string
	gcpProject             string
	eventSink              EventSink
	eventFlushInterval     time.Duration
	deviceDialTimeout      time.Duration
	maxBufferedEvents      int
	env                    environment
}

func (c *Config) Port() string {
	return c.port
}

func (c *Config) CloudSQLUnixSocketPath() string {
	return c.cloudSQLUnixSocketPath
}

func (c *Config) DBPassword() string {
	return c.dBPassword
}

func (c *Config) DBUsername() string {
	return c.dBUsername
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) RedisAddr() string {
	return c.redisAddr
}

// GCPProject is used to link logs to traces. Empty when not running on Google Cloud.
func (c *Config) GCPProject() string {
	return c.gcpProject
}

func (c *Config) EventSink() EventSink {
	return c.eventSink
}

func (c *Config) EventFlushInterval() time.Duration {
	return c.eventFlushInterval
}

func (c *Config) DeviceDialTimeout() time.Duration {
	return c.deviceDialTimeout
}

func (c *Config) MaxBufferedEvents() int {
	return c.maxBufferedEvents
}

func (c *Config) Environment() string {
	return string(c.env)
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, port: %s, eventSink: %s, eventFlushInterval: %s, deviceDialTimeout: %s, maxBufferedEvents: %d, ...}",
		string(c.env),
		c.port,
		string(c.eventSink),
		c.eventFlushInterval,
		c.deviceDialTimeout,
		c.maxBufferedEvents,
	)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}
	invalidValue := func(key string, value string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, value)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("CONDUIT_ENVIRONMENT")
	if !ok {
		return missingKey("CONDUIT_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return invalidValue("CONDUIT_ENVIRONMENT", rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = DEFAULT_PORT
	}
	if portNumber, err := strconv.Atoi(port); err != nil || portNumber < 1 || portNumber > 65535 {
		return invalidValue("PORT", port)
	}

	var eventSink EventSink
	rawEventSink := os.Getenv("EVENT_SINK")
	switch rawEventSink {
	case "", string(PostgresEventSink):
		eventSink = PostgresEventSink
	case string(RedisEventSink):
		eventSink = RedisEventSink
	default:
		return invalidValue("EVENT_SINK", rawEventSink)
	}

	eventFlushInterval := DEFAULT_EVENT_FLUSH_INTERVAL
	if raw := os.Getenv("EVENT_FLUSH_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return invalidValue("EVENT_FLUSH_INTERVAL", raw)
		}
		eventFlushInterval = parsed
	}

	deviceDialTimeout := DEFAULT_DEVICE_DIAL_TIMEOUT
	if raw := os.Getenv("DEVICE_DIAL_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return invalidValue("DEVICE_DIAL_TIMEOUT", raw)
		}
		deviceDialTimeout = parsed
	}

	maxBufferedEvents := DEFAULT_MAX_BUFFERED_EVENTS
	if raw := os.Getenv("MAX_BUFFERED_EVENTS"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return invalidValue("MAX_BUFFERED_EVENTS", raw)
		}
		maxBufferedEvents = parsed
	}

	cloudSQLUnixSocketPath := os.Getenv("CLOUDSQL_UNIX_SOCKET")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbUsername := os.Getenv("DB_USERNAME")
	sentryDSN := os.Getenv("SENTRY_DSN")
	redisAddr := os.Getenv("REDIS_ADDR")
	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")

	if eventSink == RedisEventSink && redisAddr == "" {
		return missingKey("REDIS_ADDR")
	}

	if env == production || env == staging {
		if eventSink == PostgresEventSink {
			if cloudSQLUnixSocketPath == "" {
				return missingKey("CLOUDSQL_UNIX_SOCKET")
			}
			if dbUsername == "" {
				return missingKey("DB_USERNAME")
			}
			if dbPassword == "" {
				return missingKey("DB_PASSWORD")
			}
		}
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	return Config{
		port:                   port,
		cloudSQLUnixSocketPath: cloudSQLUnixSocketPath,
		dBPassword:             dbPassword,
		dBUsername:             dbUsername,
		sentryDSN:              sentryDSN,
		redisAddr:              redisAddr,
		gcpProject:             gcpProject,
		eventSink:              eventSink,
		eventFlushInterval:     eventFlushInterval,
		deviceDialTimeout:      deviceDialTimeout,
		maxBufferedEvents:      maxBufferedEvents,
		env:                    env,
	}, nil
}
