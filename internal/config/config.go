// Package config loads the Monitor's environment-variable configuration
// surface. The Monitor has no config file: every setting is a flat
// VIBETEA_-prefixed environment variable, validated eagerly at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMissingServerURL is returned by Load when VIBETEA_SERVER_URL is unset.
// run requires it; init and export-key do not.
var ErrMissingServerURL = errors.New("config: VIBETEA_SERVER_URL is required")

const (
	envServerURL         = "VIBETEA_SERVER_URL"
	envSourceID          = "VIBETEA_SOURCE_ID"
	envKeyPath           = "VIBETEA_KEY_PATH"
	envPrivateKey        = "VIBETEA_PRIVATE_KEY"
	envClaudeDir         = "VIBETEA_CLAUDE_DIR"
	envBufferSize        = "VIBETEA_BUFFER_SIZE"
	envBasenameAllowlist = "VIBETEA_BASENAME_ALLOWLIST"

	defaultBufferSize = 1000
)

// Config is the Monitor's fully-resolved runtime configuration.
type Config struct {
	ServerURL         string
	SourceID          string
	KeyPath           string
	PrivateKeyBase64  string // empty unless VIBETEA_PRIVATE_KEY was set
	ClaudeDir         string
	BufferSize        int
	BasenameAllowlist map[string]struct{} // nil/empty means "unset" (allow all)
}

// Load reads and validates the Monitor's environment-variable configuration.
// requireServerURL should be true for `run` and false for `init`/`export-key`,
// which do not talk to the network.
func Load(requireServerURL bool) (*Config, error) {
	cfg := &Config{
		ServerURL:        os.Getenv(envServerURL),
		SourceID:         os.Getenv(envSourceID),
		KeyPath:          os.Getenv(envKeyPath),
		PrivateKeyBase64: os.Getenv(envPrivateKey),
		ClaudeDir:        os.Getenv(envClaudeDir),
		BufferSize:       defaultBufferSize,
	}

	if requireServerURL && cfg.ServerURL == "" {
		return nil, ErrMissingServerURL
	}

	if cfg.SourceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-host"
		}
		cfg.SourceID = host
	}

	if cfg.KeyPath == "" {
		dir, err := defaultKeyDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolving default key path: %w", err)
		}
		cfg.KeyPath = dir
	}

	if cfg.ClaudeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolving home directory: %w", err)
		}
		cfg.ClaudeDir = filepath.Join(home, ".claude")
	}

	if raw := os.Getenv(envBufferSize); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: %s must be a positive integer, got %q", envBufferSize, raw)
		}
		cfg.BufferSize = n
	}

	if raw := os.Getenv(envBasenameAllowlist); raw != "" {
		cfg.BasenameAllowlist = parseAllowlist(raw)
	}

	return cfg, nil
}

// parseAllowlist splits a comma-separated extension list, normalizing each
// entry to have a leading dot and trimming surrounding whitespace.
func parseAllowlist(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		ext := strings.TrimSpace(part)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// defaultKeyDir returns ~/.vibetea, the default key directory.
func defaultKeyDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vibetea"), nil
}
