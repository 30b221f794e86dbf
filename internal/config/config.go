package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Dependency names used for circuit breakers and their config keys.
const (
	DepFetchAPI  = "fetch_api"
	DepStorage   = "storage"
	DepInference = "inference"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWTSecret   string
	Scheduler   SchedulerConfig
	Pipeline    PipelineConfig
	Breakers    map[string]BreakerConfig
	Ledger      LedgerConfig
	Costs       CostConfig
	Clients     ClientsConfig
	RemoteWrite RemoteWriteConfig
}

type ServerConfig struct {
	Port    string
	OpsPort string
	Mode    string
}

type DatabaseConfig struct {
	URL            string
	MigrationsPath string
}

type RedisConfig struct {
	URL string
}

type SchedulerConfig struct {
	WorkerCount       int
	DispatchInterval  time.Duration
	AgingCycles       int
	ReconcileInterval time.Duration
	ReconcileBatch    int
	LeaseDuration     time.Duration
}

type StagePolicyConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type PipelineConfig struct {
	StageTimeout time.Duration
	Fetch        StagePolicyConfig
	Persist      StagePolicyConfig
	Derive       StagePolicyConfig
	Analyze      StagePolicyConfig
}

type BreakerConfig struct {
	FailureThreshold int
	CooldownSeconds  int
}

type LedgerConfig struct {
	ReconcileInterval time.Duration
	PendingThreshold  time.Duration
}

// CostConfig prices a profile in credits. A username with a fresh stored
// record costs FreshProfile; one needing the full pipeline costs
// FullProfile. Reservation always assumes the worst case.
type CostConfig struct {
	FreshProfile int64
	FullProfile  int64
}

type ClientsConfig struct {
	FetchURL       string
	StorageURL     string
	InferenceURL   string
	Timeout        time.Duration
	FetchPerSecond float64
	FetchBurst     int
}

type RemoteWriteConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("CREATORLENS")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.opsport", "9091")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.migrationspath", "file://migrations")
	viper.SetDefault("scheduler.workercount", 8)
	viper.SetDefault("scheduler.dispatchinterval", "500ms")
	viper.SetDefault("scheduler.agingcycles", 10)
	viper.SetDefault("scheduler.reconcileinterval", "30s")
	viper.SetDefault("scheduler.reconcilebatch", 500)
	// Must comfortably exceed the stage timeout; heartbeats renew at a
	// third of this.
	viper.SetDefault("scheduler.leaseduration", "10m")
	viper.SetDefault("pipeline.stagetimeout", "120s")
	viper.SetDefault("pipeline.fetch.maxattempts", 3)
	viper.SetDefault("pipeline.fetch.basedelay", "5s")
	viper.SetDefault("pipeline.fetch.maxdelay", "30s")
	viper.SetDefault("pipeline.persist.maxattempts", 3)
	viper.SetDefault("pipeline.persist.basedelay", "2s")
	viper.SetDefault("pipeline.persist.maxdelay", "15s")
	viper.SetDefault("pipeline.derive.maxattempts", 3)
	viper.SetDefault("pipeline.derive.basedelay", "5s")
	viper.SetDefault("pipeline.derive.maxdelay", "30s")
	viper.SetDefault("pipeline.analyze.maxattempts", 3)
	viper.SetDefault("pipeline.analyze.basedelay", "15s")
	viper.SetDefault("pipeline.analyze.maxdelay", "120s")
	viper.SetDefault("ledger.reconcileinterval", "60s")
	viper.SetDefault("ledger.pendingthreshold", "120s")
	viper.SetDefault("costs.freshprofile", 1)
	viper.SetDefault("costs.fullprofile", 10)
	viper.SetDefault("clients.timeout", "120s")
	viper.SetDefault("clients.fetchpersecond", 2.0)
	viper.SetDefault("clients.fetchburst", 4)
	viper.SetDefault("remotewrite.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("remotewrite.batchsize", 1000)
	viper.SetDefault("remotewrite.flushinterval", "10s")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if url := os.Getenv("REMOTE_WRITE_URL"); url != "" {
		cfg.RemoteWrite.URL = url
	}
	if token := os.Getenv("REMOTE_WRITE_AUTH_TOKEN"); token != "" {
		cfg.RemoteWrite.AuthToken = token
	}

	// Breaker tuning per dependency: short cooldown for the flaky network
	// fetch, longer for the overload-prone inference tier.
	if len(cfg.Breakers) == 0 {
		cfg.Breakers = map[string]BreakerConfig{
			DepFetchAPI:  {FailureThreshold: 5, CooldownSeconds: 30},
			DepStorage:   {FailureThreshold: 3, CooldownSeconds: 15},
			DepInference: {FailureThreshold: 4, CooldownSeconds: 120},
		}
	}

	return &cfg, nil
}
