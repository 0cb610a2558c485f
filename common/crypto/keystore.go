package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// ParseMasterKey decodes a 64-character hex string (32 bytes / 256 bits) into
// a raw key suitable for use with the AES-GCM helpers in this package.
//
// This function is a pure library function with no environment dependencies.
// Callers are responsible for reading the key material from env or config.
//
// Generate a suitable key with:
//
//	openssl rand -hex 32
func ParseMasterKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in master key: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}

	return key, nil
}

// LoadMasterKeyFile reads a hex-encoded master key from the file at path and
// decodes it with ParseMasterKey. The file should contain nothing but the 64
// hex characters (trailing whitespace is tolerated).
func LoadMasterKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key file %s: %w", path, err)
	}
	key, err := ParseMasterKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("master key file %s: %w", path, err)
	}
	return key, nil
}
