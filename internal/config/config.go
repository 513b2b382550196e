package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr   string        `env:"CHATSYNC_LISTEN_ADDR,default=:8080"`
	DBURL        string        `env:"CHATSYNC_DB_URL"`
	TLSCertPath  string        `env:"CHATSYNC_TLS_CERT"`
	TLSKeyPath   string        `env:"CHATSYNC_TLS_KEY"`
	PollInterval time.Duration `env:"CHATSYNC_POLL_INTERVAL,default=1s"`
	PollTimeout  time.Duration `env:"CHATSYNC_POLL_TIMEOUT,default=30s"`
	MaxBatch     int           `env:"CHATSYNC_MAX_BATCH,default=100"`
	DefaultBatch int           `env:"CHATSYNC_DEFAULT_BATCH,default=50"`
	SendRPS      float64       `env:"CHATSYNC_SEND_RPS,default=5"`
	SendBurst    int           `env:"CHATSYNC_SEND_BURST,default=10"`
	SelfEcho     bool          `env:"CHATSYNC_SELF_ECHO,default=false"`
	LogLevel     string        `env:"CHATSYNC_LOG_LEVEL,default=info"`
	LogPretty    bool          `env:"CHATSYNC_LOG_PRETTY,default=false"`
}

// LoadFromEnv reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()
	return Load(os.Environ())
}

func Load(environ []string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// UseMemoryStore reports whether no database is configured.
func (c Config) UseMemoryStore() bool {
	return c.DBURL == ""
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.PollTimeout < c.PollInterval {
		return errors.New("poll timeout must not be shorter than the poll interval")
	}
	if c.DefaultBatch <= 0 || c.MaxBatch <= 0 {
		return errors.New("batch limits must be positive")
	}
	if c.DefaultBatch > c.MaxBatch {
		return errors.New("default batch must not exceed max batch")
	}
	if c.SendRPS <= 0 || c.SendBurst <= 0 {
		return errors.New("send rate limit must be positive")
	}
	return nil
}
