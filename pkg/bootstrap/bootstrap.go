// Package bootstrap performs first-run setup: key generation and the initial
// environment file.
package bootstrap

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// Keys holds the generated secrets.
type Keys struct {
	APIKey       string
	LLMMasterKey string
}

// generateKey returns a prefixed 256-bit random hex token.
func generateKey(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// GenerateKeys creates a fresh API key and LLM master key.
func GenerateKeys() (Keys, error) {
	apiKey, err := generateKey("aria-")
	if err != nil {
		return Keys{}, err
	}
	masterKey, err := generateKey("sk-aria-")
	if err != nil {
		return Keys{}, err
	}
	return Keys{APIKey: apiKey, LLMMasterKey: masterKey}, nil
}

// WriteEnvFile writes the environment file with mode 0600. An existing file
// is never overwritten: rotating keys under a running deployment is an
// explicit operation, not a bootstrap re-run.
func WriteEnvFile(path string, keys Keys) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	content := fmt.Sprintf("ARIA_API_KEY=%s\nARIA_LLM_MASTER_KEY=%s\n",
		keys.APIKey, keys.LLMMasterKey)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Run generates keys, writes the environment file and prints the keys so the
// operator can record them. This is the one place the master key is ever
// shown in full.
func Run(envPath string, out io.Writer) (Keys, error) {
	keys, err := GenerateKeys()
	if err != nil {
		return Keys{}, err
	}
	if err := WriteEnvFile(envPath, keys); err != nil {
		return Keys{}, err
	}

	fmt.Fprintf(out, "Bootstrap complete (%s/%s)\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(out, "Environment file: %s\n", envPath)
	fmt.Fprintf(out, "ARIA_API_KEY=%s\n", keys.APIKey)
	fmt.Fprintf(out, "ARIA_LLM_MASTER_KEY=%s\n", keys.LLMMasterKey)
	return keys, nil
}
