// Package config loads the service configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/invalidation"
	"github.com/illmade-knight/go-querycache/pkg/microservice"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/illmade-knight/go-querycache/pkg/sharedcache"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	RateLimit microservice.RateLimitConfig `yaml:"rate_limit"`
	Cache     querycache.Config            `yaml:"cache"`
	Firestore FirestoreConfig              `yaml:"firestore"`
	Redis     RedisConfig                  `yaml:"redis"`
	PubSub    PubSubConfig                 `yaml:"pubsub"`
}

// FirestoreConfig selects the document store. When disabled the service runs
// on in-memory collections.
type FirestoreConfig struct {
	Enabled     bool        `yaml:"enabled"`
	Collections Collections `yaml:"collections"`
}

// Collections names the Firestore collection of each document type.
type Collections struct {
	Services      string `yaml:"services"`
	Schedules     string `yaml:"schedules"`
	Courts        string `yaml:"courts"`
	Matches       string `yaml:"matches"`
	Players       string `yaml:"players"`
	Payments      string `yaml:"payments"`
	MatchServices string `yaml:"match_services"`
}

// RedisConfig enables the shared cache layer.
type RedisConfig struct {
	Enabled                 bool `yaml:"enabled"`
	sharedcache.RedisConfig `yaml:",inline"`
}

// PubSubConfig enables cross-instance invalidation.
type PubSubConfig struct {
	Enabled  bool                        `yaml:"enabled"`
	TopicID  string                      `yaml:"topic_id"`
	Listener invalidation.ListenerConfig `yaml:"listener"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	listener := invalidation.LoadDefaultListenerConfig("cache-invalidations-sub", "")
	return &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "querycached",
		},
		Cache: querycache.Config{
			Capacity:         10000,
			DefaultStaleTime: 30 * time.Second,
		},
		Firestore: FirestoreConfig{
			Collections: Collections{
				Services:      "servicios",
				Schedules:     "horarios",
				Courts:        "canchas",
				Matches:       "partidos",
				Players:       "jugadores",
				Payments:      "pagos",
				MatchServices: "servicios_partido",
			},
		},
		Redis: RedisConfig{
			RedisConfig: sharedcache.RedisConfig{
				Addr:         "localhost:6379",
				CacheTTL:     5 * time.Minute,
				KeyPrefix:    "querycache",
				WriteTimeout: 10 * time.Second,
			},
		},
		PubSub: PubSubConfig{
			TopicID:  "cache-invalidations",
			Listener: *listener,
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path (if
// path is not empty) and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML from %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every enabled backend is fully configured.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity))
	}
	if (c.Firestore.Enabled || c.PubSub.Enabled) && c.ProjectID == "" {
		errs = append(errs, errors.New("project_id is required when firestore or pubsub is enabled"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.PubSub.Enabled && (c.PubSub.TopicID == "" || c.PubSub.Listener.SubscriptionID == "") {
		errs = append(errs, errors.New("pubsub.topic_id and pubsub.listener.subscription_id are required when pubsub is enabled"))
	}
	return errors.Join(errs...)
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.HTTPPort, "HTTP_PORT")
	setString(&c.ProjectID, "GCP_PROJECT_ID")
	setString(&c.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")

	if v := os.Getenv("QUERYCACHE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid QUERYCACHE_CAPACITY %q: %w", v, err)
		}
		c.Cache.Capacity = n
	}
	if err := setBool(&c.Cache.StaleWhileRevalidate, "QUERYCACHE_STALE_WHILE_REVALIDATE"); err != nil {
		return err
	}
	if v := os.Getenv("QUERYCACHE_DEFAULT_STALE_TIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid QUERYCACHE_DEFAULT_STALE_TIME %q: %w", v, err)
		}
		c.Cache.DefaultStaleTime = d
	}

	if err := setBool(&c.Firestore.Enabled, "FIRESTORE_ENABLED"); err != nil {
		return err
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	if v := os.Getenv("PUBSUB_INVALIDATION_TOPIC"); v != "" {
		c.PubSub.TopicID = v
		c.PubSub.Enabled = true
	}
	setString(&c.PubSub.Listener.SubscriptionID, "PUBSUB_INVALIDATION_SUBSCRIPTION")
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = b
	return nil
}
