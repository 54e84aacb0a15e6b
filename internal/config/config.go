package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type Config struct {
	SocketURL string
	APIURL    string
	Token     string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	ConversationsPollInterval time.Duration
	MessagesPollInterval      time.Duration
	MessagesPageLimit         int
	TypingTTL                 time.Duration

	SoundEnabled         bool
	NotificationsEnabled bool

	LogLevel    string
	CacheDir    string
	SessionFile string
	MetricsAddr string
}

type ServerConfig struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration
	StateFile    string
	LogLevel     string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		SocketURL:                 "http://localhost:5000",
		APIURL:                    "http://localhost:5000/api",
		ReconnectAttempts:         5,
		ReconnectDelay:            time.Second,
		ReconnectDelayMax:         5 * time.Second,
		ConversationsPollInterval: 10 * time.Second,
		MessagesPollInterval:      5 * time.Second,
		MessagesPageLimit:         50,
		TypingTTL:                 6 * time.Second,
		SoundEnabled:              true,
		NotificationsEnabled:      true,
		LogLevel:                  "info",
	}

	if raw := env.Getenv("SOCKET_URL"); raw != "" {
		if !validURL(raw) {
			return Config{}, fmt.Errorf("invalid SOCKET_URL")
		}
		cfg.SocketURL = raw
	}
	if raw := env.Getenv("API_URL"); raw != "" {
		if !validURL(raw) {
			return Config{}, fmt.Errorf("invalid API_URL")
		}
		cfg.APIURL = raw
	}
	cfg.Token = env.Getenv("CHAT_TOKEN")

	var err error
	if cfg.ReconnectAttempts, err = intVar(env, "RECONNECT_ATTEMPTS", cfg.ReconnectAttempts, 0); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = durationVar(env, "RECONNECT_DELAY_MS", time.Millisecond, cfg.ReconnectDelay); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelayMax, err = durationVar(env, "RECONNECT_DELAY_MAX_MS", time.Millisecond, cfg.ReconnectDelayMax); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		return Config{}, fmt.Errorf("invalid RECONNECT_DELAY_MAX_MS")
	}
	if cfg.ConversationsPollInterval, err = durationVar(env, "CONVERSATIONS_POLL_SECONDS", time.Second, cfg.ConversationsPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.MessagesPollInterval, err = durationVar(env, "MESSAGES_POLL_SECONDS", time.Second, cfg.MessagesPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.MessagesPageLimit, err = intVar(env, "MESSAGES_PAGE_LIMIT", cfg.MessagesPageLimit, 1); err != nil {
		return Config{}, err
	}
	if cfg.TypingTTL, err = durationVar(env, "TYPING_TTL_SECONDS", time.Second, cfg.TypingTTL); err != nil {
		return Config{}, err
	}
	if cfg.SoundEnabled, err = boolVar(env, "SOUND_ENABLED", cfg.SoundEnabled); err != nil {
		return Config{}, err
	}
	if cfg.NotificationsEnabled, err = boolVar(env, "NOTIFICATIONS_ENABLED", cfg.NotificationsEnabled); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	cfg.CacheDir = env.Getenv("CACHE_DIR")
	cfg.SessionFile = env.Getenv("SESSION_FILE")
	cfg.MetricsAddr = env.Getenv("METRICS_ADDR")

	return cfg, nil
}

func LoadServerConfig() (ServerConfig, error) {
	return LoadServerConfigFromEnv(osEnv{})
}

func LoadServerConfigFromEnv(env Env) (ServerConfig, error) {
	cfg := ServerConfig{
		Port:        5000,
		GinMode:     "release",
		TokenExpiry: 7 * 24 * time.Hour,
		LogLevel:    "info",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return ServerConfig{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return ServerConfig{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.StateFile = env.Getenv("STATE_FILE")
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return ServerConfig{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func intVar(env Env, key string, def, min int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

func durationVar(env Env, key string, unit time.Duration, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(v) * unit, nil
}

func boolVar(env Env, key string, def bool) (bool, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}
