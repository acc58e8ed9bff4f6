package config

import "time"

type AppConfig struct {
	DBDriver   string        `yaml:"db_driver" env:"ROADWATCH_DB_DRIVER" env-default:"sqlite"`
	DBURL      string        `yaml:"db_url" env:"ROADWATCH_DB_URL" env-default:"data/roadwatch.db"`
	ListenAddr string        `yaml:"listen_addr" env:"ROADWATCH_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	AppEnv     string        `yaml:"app_env" env:"ROADWATCH_APP_ENV"`
	Debug      bool          `yaml:"debug" env:"ROADWATCH_DEBUG_LOG" env-default:"false"`
	Bus        BusConfig     `yaml:"bus"`
	Sweeper    SweeperConfig `yaml:"sweeper"`
	Metrics    MetricsConfig `yaml:"metrics"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ROADWATCH_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type BusConfig struct {
	// Mode selects the publisher implementation: kafka, memory or none.
	// "none" installs the no-op publisher so the service keeps accepting
	// incidents when no broker is reachable.
	Mode           string        `yaml:"mode" env:"ROADWATCH_BUS_MODE" env-default:"memory"`
	Brokers        []string      `yaml:"brokers" env:"ROADWATCH_BUS_BROKERS" env-separator:","`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"ROADWATCH_BUS_WRITE_TIMEOUT" env-default:"5s"`
	ConsumerGroup  string        `yaml:"consumer_group" env:"ROADWATCH_BUS_CONSUMER_GROUP" env-default:"roadwatch-audit"`
	VerifierEnable bool          `yaml:"verifier_enabled" env:"ROADWATCH_BUS_VERIFIER_ENABLED" env-default:"true"`
}

type SweeperConfig struct {
	Enabled bool `yaml:"enabled" env:"ROADWATCH_SWEEPER_ENABLED" env-default:"true"`
	// StalePendingAge is how long an incident may sit in pending before the
	// sweep marks it a false alarm.
	StalePendingAge time.Duration `yaml:"stale_pending_age" env:"ROADWATCH_SWEEPER_STALE_PENDING_AGE" env-default:"30m"`
	// ReplayGrace is how old an unpublished timeline row must be before the
	// replay sweep re-sends it, leaving room for the in-flight publish of a
	// request that just committed.
	ReplayGrace    time.Duration `yaml:"replay_grace" env:"ROADWATCH_SWEEPER_REPLAY_GRACE" env-default:"2m"`
	StaleSchedule  string        `yaml:"stale_schedule" env:"ROADWATCH_SWEEPER_STALE_SCHEDULE" env-default:"@every 5m"`
	ReplaySchedule string        `yaml:"replay_schedule" env:"ROADWATCH_SWEEPER_REPLAY_SCHEDULE" env-default:"@every 1m"`
	BatchLimit     int           `yaml:"batch_limit" env:"ROADWATCH_SWEEPER_BATCH_LIMIT" env-default:"100"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ROADWATCH_METRICS_ENABLED" env-default:"true"`
}
