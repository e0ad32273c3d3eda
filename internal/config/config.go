package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Dispatch DispatchConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type ProviderConfig struct {
	GeminiAPIKey string
	ChatModel    string
	EmbedModel   string
}

type StorageConfig struct {
	DataDir string
}

type DispatchConfig struct {
	Workers     int
	MaxAttempts int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Provider: ProviderConfig{
			ChatModel:  "gemini-2.0-flash",
			EmbedModel: "gemini-embedding-001",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			MaxAttempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a .env file if present, the platform-native
// backend, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.medley.app) and secrets
// fall back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/medley/config.json and secrets live in
// $XDG_DATA_HOME/medley/secrets.json.
//
// Environment variables (MEDLEY_*) override backend values on all platforms.
func Load() (Config, error) {
	// Best-effort: a missing .env file is not an error.
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the API key if still empty.
	if cfg.Provider.GeminiAPIKey == "" {
		if key, err := kc.Get("medley", "gemini_api_key"); err == nil && key != "" {
			cfg.Provider.GeminiAPIKey = key
		}
	}

	if cfg.Provider.GeminiAPIKey == "" {
		msg := "missing required config: Gemini API key. " +
			"Set it via environment variable MEDLEY_GEMINI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
