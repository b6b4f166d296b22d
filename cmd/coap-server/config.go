package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pion/logging"
)

// envPrefix prefixes every environment variable.
const envPrefix = "COAP_"

// config is read from the environment, optionally seeded from a .env file.
type config struct {
	// Network
	ListenAddrs []string `env:"LISTEN_ADDRS" envSeparator:"," envDefault:":5683"`
	MetricsAddr string   `env:"METRICS_ADDR" envDefault:":9090"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Reliability (RFC 7252 Section 4.8)
	AckTimeout       time.Duration `env:"ACK_TIMEOUT"       envDefault:"2s"`
	AckRandomFactor  float64       `env:"ACK_RANDOM_FACTOR" envDefault:"1.5"`
	MaxRetransmit    int           `env:"MAX_RETRANSMIT"    envDefault:"4"`
	NStart           int           `env:"NSTART"            envDefault:"1"`
	RandomizeTimeout bool          `env:"RANDOMIZE_TIMEOUT" envDefault:"true"`

	// Caching
	CacheCapacity int `env:"CACHE_CAPACITY" envDefault:"1024"`

	// Discovery
	Advertise    bool   `env:"ADVERTISE"     envDefault:"false"`
	InstanceName string `env:"INSTANCE_NAME"`

	// Resources. Values maps path to a read-only value; Proxies and
	// DelayedProxies are coap:// URIs of upstream resources.
	EchoPath       string            `env:"ECHO_PATH"       envDefault:"echo"`
	Values         map[string]string `env:"VALUES"`
	Proxies        []string          `env:"PROXIES"         envSeparator:","`
	DelayedProxies []string          `env:"DELAYED_PROXIES" envSeparator:","`
}

func loadConfig() (config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func (c config) params() exchange.TransmissionParameters {
	return exchange.TransmissionParameters{
		AckTimeout:      c.AckTimeout,
		AckRandomFactor: c.AckRandomFactor,
		MaxRetransmit:   exchange.RetransmitCount(c.MaxRetransmit),
		NStart:          c.NStart,
	}
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
}
