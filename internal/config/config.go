package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the full runq configuration. The yaml names double as the keys
// accepted by `runq config` and reported by validation errors.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Run      RunConfig      `yaml:"run"`
	Queue    QueueConfig    `yaml:"queue"`
	Leader   LeaderConfig   `yaml:"leader"`
	Finalize FinalizeConfig `yaml:"finalize"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type StoreConfig struct {
	Driver  string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN     string `yaml:"dsn" validate:"required_if=Driver postgres"`
	DataDir string `yaml:"data_dir" validate:"required_if=Driver sqlite"`
}

// RunConfig names the document set. Two workers with the same run config
// join the same run.
type RunConfig struct {
	Name             string   `yaml:"name"`
	Sources          []string `yaml:"sources" validate:"dive,required"`
	Extensions       []string `yaml:"extensions" validate:"dive,required"`
	OutputDir        string   `yaml:"output_dir" validate:"required"`
	MaxDocumentBytes int64    `yaml:"max_document_bytes" validate:"gte=0"`
}

type QueueConfig struct {
	ClaimTimeout      time.Duration `yaml:"claim_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0,ltfield=ClaimTimeout"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	// StaleThreshold of zero disables the watchdog.
	StaleThreshold time.Duration `yaml:"stale_threshold" validate:"omitempty,gtfield=ClaimTimeout"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Concurrency    int           `yaml:"concurrency" validate:"gte=1,lte=256"`
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

type LeaderConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration" validate:"gt=0"`
	RenewInterval time.Duration `yaml:"renew_interval" validate:"gt=0,ltfield=LeaseDuration"`
	EnqueueBatch  int           `yaml:"enqueue_batch" validate:"gte=1"`
}

type FinalizeConfig struct {
	// ReconcileAfter of zero leaves stuck finalizations to the operator.
	ReconcileAfter time.Duration `yaml:"reconcile_after" validate:"gte=0"`
	StoreText      bool          `yaml:"store_text"`
}

type ServerConfig struct {
	Addr  string `yaml:"addr" validate:"required,hostname_port"`
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: dataDir,
		},
		Run: RunConfig{
			Extensions:       []string{".txt", ".md", ".html", ".htm", ".pdf"},
			OutputDir:        filepath.Join(dataDir, "output"),
			MaxDocumentBytes: 64 << 20,
		},
		Queue: QueueConfig{
			ClaimTimeout:      60 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			MaxRetries:        3,
			RetryBackoff:      5 * time.Second,
			StaleThreshold:    30 * time.Minute,
			PollInterval:      time.Second,
			Concurrency:       1,
			SweepInterval:     30 * time.Second,
		},
		Leader: LeaderConfig{
			LeaseDuration: 30 * time.Second,
			RenewInterval: 10 * time.Second,
			EnqueueBatch:  100,
		},
		Finalize: FinalizeConfig{
			StoreText: true,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:4080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration in three layers: built-in defaults, the YAML file,
// then RUNQ_* environment variables. The result is validated.
//
// An empty path means $RUNQ_CONFIG, or DefaultPath() when that is unset too;
// only an explicitly named file has to exist.
func Load(path string) (Config, error) {
	required := true
	if path == "" {
		path = os.Getenv("RUNQ_CONFIG")
	}
	if path == "" {
		path, required = DefaultPath(), false
	}
	b, err := openFileBackend(path, required)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
