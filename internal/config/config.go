package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          string
	Env           string
	RedisAddr     string
	RedisPassword string
	NATSURL       string
	AdminUsername string
	AssistantURL  string

	TokenLifetime  time.Duration
	GracePeriod    time.Duration
	PresenceWindow time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvDays(key string, def int) time.Duration {
	v := getenv(key, strconv.Itoa(def))
	d, err := strconv.Atoi(v)
	if err != nil || d <= 0 {
		d = def
	}
	return time.Duration(d) * 24 * time.Hour
}

func Load() Config {
	return Config{
		Port:           getenv("APP_PORT", "8080"),
		Env:            getenv("APP_ENV", "dev"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		NATSURL:        getenv("NATS_URL", "nats://localhost:4222"),
		AdminUsername:  getenv("ADMIN_USERNAME", "ryo"),
		AssistantURL:   getenv("ASSISTANT_URL", ""),
		TokenLifetime:  getenvDays("TOKEN_LIFETIME_DAYS", 90),
		GracePeriod:    getenvDays("TOKEN_GRACE_DAYS", 365),
		PresenceWindow: getenvDays("PRESENCE_WINDOW_DAYS", 1),
	}
}
