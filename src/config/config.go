// Package config holds the engine's runtime configuration. Values are
// read from the environment; an optional YAML file can override them.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	// Port the HTTP/websocket server listens on.
	Port int `yaml:"port"`

	// PublicURL is the externally reachable base URL, used in the
	// User-Agent sent to speech providers.
	PublicURL string `yaml:"public_url"`

	// Verbose per-frame logging toggles. Off by default: media frames
	// arrive every 20ms per live call.
	LogMediaFrames bool `yaml:"log_media_frames"`
	LogMediaMarks  bool `yaml:"log_media_marks"`
	LogTTSFrames   bool `yaml:"log_tts_frames"`
	LogSTTEvents   bool `yaml:"log_stt_events"`

	// AIProvider selects the language-model runtime: "openai" or
	// "mock". Empty auto-detects: openai when a key is configured,
	// mock otherwise.
	AIProvider string `yaml:"ai_provider"`

	// ForceHindi prefixes every runtime text reply with a Hindi
	// greeting. Debug aid for Hindi voice testing.
	ForceHindi bool `yaml:"force_hindi"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional redis-backed transcript and
// metric sink. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FromEnv builds a Config from environment variables with the same
// defaults the server has always shipped with.
func FromEnv() Config {
	port := envInt("PORT", 8000)
	return Config{
		Port:           port,
		PublicURL:      envStr("PUBLIC_URL", fmt.Sprintf("http://localhost:%d", port)),
		LogMediaFrames: envBool("LOG_MEDIA_FRAMES"),
		LogMediaMarks:  envBool("LOG_MEDIA_MARKS"),
		LogTTSFrames:   envBool("LOG_TTS_FRAMES"),
		LogSTTEvents:   envBool("LOG_STT_EVENTS"),
		AIProvider:     os.Getenv("AI_PROVIDER"),
		ForceHindi:     envBool("FORCE_HINDI"),
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
	}
}

// Load reads a YAML config file over the environment defaults. A
// missing path returns the env config unchanged.
func Load(path string) (Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}
