package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	secretService   = "medley"
	apiTokenAccount = "api_token"
)

// GetAPIToken returns the bearer token for the management API. The
// MEDLEY_API_TOKEN environment variable wins; otherwise the platform secret
// store is consulted, and a fresh token is generated and persisted on first
// use so the server and CLI client agree without manual setup.
func GetAPIToken() (string, error) {
	if tok := os.Getenv("MEDLEY_API_TOKEN"); tok != "" {
		return tok, nil
	}

	if out, err := keychainExec(secretService, apiTokenAccount); err == nil {
		if tok := strings.TrimSpace(string(out)); tok != "" {
			return tok, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	if err := keychainStore(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
