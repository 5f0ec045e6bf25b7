package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load starts from Defaults, decodes the TOML file at path when path is not
// empty, reads .env if present and applies environment overrides. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Env, "WAGER_ENV")
	setInt(&cfg.Port, "PORT")
	setInt(&cfg.Port, "WAGER_PORT")

	setStr(&cfg.Store.Driver, "WAGER_STORE_DRIVER")
	setStr(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.Store.DatabaseURL, "WAGER_DATABASE_URL")
	setBool(&cfg.Store.Migrate, "WAGER_STORE_MIGRATE")

	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setStr(&cfg.Auth.JWTSecret, "WAGER_JWT_SECRET")

	setInt64(&cfg.Fees.CreatorBps, "WAGER_CREATOR_FEE_BPS")
	setInt64(&cfg.Fees.PlatformBps, "WAGER_PLATFORM_FEE_BPS")

	setDuration(&cfg.Scheduler.Interval, "WAGER_SCHEDULER_INTERVAL")
	setDuration(&cfg.Scheduler.EndingSoonWindow, "WAGER_ENDING_SOON_WINDOW")
	setDuration(&cfg.Broadcast.Timeout, "WAGER_BROADCAST_TIMEOUT")

	setStr(&cfg.Redis.Addr, "WAGER_REDIS_ADDR")
	setStr(&cfg.Redis.Channel, "WAGER_REDIS_CHANNEL")
	setStringSlice(&cfg.Kafka.Brokers, "WAGER_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "WAGER_KAFKA_TOPIC")
}

// Each helper only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
