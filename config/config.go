package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/store"
)

// Prefix of every environment variable, e.g. VCHAMBER_ADDR.
const Prefix = "VCHAMBER"

type Config struct {
	Addr      string `envconfig:"ADDR" default:":8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	Room  Room
	Store Store
	Proxy Proxy
}

type Room struct {
	StoreTimeout     time.Duration `envconfig:"STORE_TIMEOUT" default:"2s"`
	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"30s"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type Store struct {
	Backend        string   `envconfig:"BACKEND" default:"memory"`
	KeyPrefix      string   `envconfig:"KEY_PREFIX" default:"vchamber"`
	RedisAddr      string   `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string   `envconfig:"REDIS_PASSWORD"`
	RedisDB        int      `envconfig:"REDIS_DB"`
	RedisMaster    string   `envconfig:"REDIS_MASTER" default:"mymaster"`
	RedisSentinels []string `envconfig:"REDIS_SENTINELS"`
	BadgerPath     string   `envconfig:"BADGER_PATH" default:"./data"`
}

type Proxy struct {
	Backends []string `envconfig:"BACKENDS"`
	Registry string   `envconfig:"REGISTRY" default:"memory"`
}

// Load reads .env when present, then the process environment.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StoreOptions maps the store section onto store.Options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Backend:        store.BackendType(c.Store.Backend),
		KeyPrefix:      c.Store.KeyPrefix,
		RedisAddr:      c.Store.RedisAddr,
		RedisPassword:  c.Store.RedisPassword,
		RedisDB:        c.Store.RedisDB,
		RedisMaster:    c.Store.RedisMaster,
		RedisSentinels: c.Store.RedisSentinels,
		BadgerPath:     c.Store.BadgerPath,
	}
}
