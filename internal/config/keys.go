package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEDLEY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "MEDLEY_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "provider.gemini_api_key", typ: kString, env: "MEDLEY_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.GeminiAPIKey },
	},
	{
		key: "provider.chat_model", typ: kString, env: "MEDLEY_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.ChatModel },
	},
	{
		key: "provider.embed_model", typ: kString, env: "MEDLEY_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEDLEY_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "dispatch.workers", typ: kInt, env: "MEDLEY_DISPATCH_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.Workers },
	},
	{
		key: "dispatch.max_attempts", typ: kInt, env: "MEDLEY_DISPATCH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.MaxAttempts },
	},
	{
		key: "log.level", typ: kString, env: "MEDLEY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
