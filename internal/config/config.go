package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the service-level configuration for the energy controller.
// Engine tunables live in the Policy file (see policy.go) so they can be
// hot-reloaded without restarting.
type Config struct {
	// Service
	ServiceName    string `env:"SERVICE_NAME" envDefault:"energomat"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	DataDir        string `env:"DATA_DIR" envDefault:"./data"`
	TZ             string `env:"TZ" envDefault:"Europe/Warsaw"`
	PolicyPath     string `env:"POLICY_PATH" envDefault:"./policy.yaml"`

	// Control loop cadences (seconds)
	LoopIntervalS     int `env:"LOOP_INTERVAL_S" envDefault:"60"`
	PriceRefreshS     int `env:"PRICE_REFRESH_S" envDefault:"300"`
	InverterRefreshS  int `env:"INVERTER_REFRESH_S" envDefault:"30"`
	IOTimeoutS        int `env:"IO_TIMEOUT_S" envDefault:"10"`
	FatalTimeoutS     int `env:"FATAL_TIMEOUT_S" envDefault:"600"`
	MetricsSnapshotS  int `env:"METRICS_SNAPSHOT_S" envDefault:"3600"`
	ForceActionTTLMin int `env:"FORCE_ACTION_TTL_MIN" envDefault:"60"`

	// Inverter (Modbus TCP; discovery via mDNS when address empty)
	InverterAddr    string `env:"INVERTER_ADDR"`
	InverterSlaveID int    `env:"INVERTER_SLAVE_ID" envDefault:"1"`

	// Market price source (TGE RDN day-ahead)
	RDNBaseURL string `env:"RDN_BASE_URL" envDefault:"https://api.raporty.pse.pl/api/rce-pln"`

	// Price forecast source (optional)
	ForecastURL string `env:"FORECAST_URL"`

	// Site coordinates, used for sunrise/solar-noon calculations.
	Latitude  float64 `env:"SITE_LATITUDE" envDefault:"52.2297"`
	Longitude float64 `env:"SITE_LONGITUDE" envDefault:"21.0122"`

	// Storage: Postgres when DSN set, JSON files under DataDir otherwise.
	PostgresDSN string `env:"POSTGRES_DSN"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location returns the configured timezone location.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LoopInterval returns the control loop tick interval.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalS) * time.Second
}

// IOTimeout returns the hard deadline for external I/O.
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutS) * time.Second
}

// FatalTimeout returns how long the inverter may stay unreachable before
// the service gives up. Zero or negative disables the limit.
func (c *Config) FatalTimeout() time.Duration {
	return time.Duration(c.FatalTimeoutS) * time.Second
}
