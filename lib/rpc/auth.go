package rpc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// AuthTokenLength is the size of the TCP auth secret in bytes. On disk and on
// the wire it is hex encoded.
const AuthTokenLength = 32

// authToken is the shared secret TCP clients present with "auth". Unix socket
// clients are trusted by file mode and never need it.
type authToken []byte

func (t authToken) String() string {
	return hex.EncodeToString(t)
}

// matches compares in constant time so a client cannot probe the token.
func (t authToken) matches(presented string) bool {
	raw, err := hex.DecodeString(strings.TrimSpace(presented))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(raw, t) == 1
}

// parseToken decodes a hex token, ignoring surrounding whitespace so the file
// survives being edited by hand.
func parseToken(text string) (authToken, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("auth token is not hex: %w", err)
	}
	if len(raw) != AuthTokenLength {
		return nil, fmt.Errorf("auth token is %d bytes, want %d", len(raw), AuthTokenLength)
	}
	return authToken(raw), nil
}

// readTokenFile reads the token the daemon wrote to path.
func readTokenFile(path string) (authToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading auth file: %w", err)
	}
	return parseToken(string(data))
}

// loadOrCreateToken returns the token stored at path. A missing or malformed
// file is replaced with a fresh random token readable only by the owner.
func loadOrCreateToken(path string) (authToken, error) {
	token, err := readTokenFile(path)
	switch {
	case err == nil:
		log.WithField("path", path).Debug("using existing RPC auth token")
		return token, nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		log.WithField("path", path).WithError(err).Warn("replacing unusable RPC auth token")
	}

	token = make(authToken, AuthTokenLength)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generating auth token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token.String()), 0o600); err != nil {
		return nil, fmt.Errorf("writing auth file: %w", err)
	}
	log.WithField("path", path).Info("wrote new RPC auth token")
	return token, nil
}
