// Package identity stores the WireGuard private key tunlock connects with.
// The key is kept in a JSON file readable only by its owner and can be
// rotated; the public key must then be re-registered with the server.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	// KeyFileName is the default filename inside the state directory.
	KeyFileName = "wireguard-key.json"

	// FingerprintLength is the length of the key fingerprint in bytes.
	FingerprintLength = 8
)

// Identity is a WireGuard keypair with bookkeeping.
type Identity struct {
	mu sync.RWMutex

	privateKey wgtypes.Key
	publicKey  wgtypes.Key

	createdAt time.Time
	rotatedAt time.Time
}

// persistedIdentity is the on-disk form.
type persistedIdentity struct {
	PrivateKey string    `json:"private_key"`
	PublicKey  string    `json:"public_key"`
	CreatedAt  time.Time `json:"created_at"`
	RotatedAt  time.Time `json:"rotated_at,omitzero"`
}

// New generates a fresh keypair.
func New() (*Identity, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating WireGuard private key: %w", err)
	}
	return &Identity{privateKey: key, publicKey: key.PublicKey(), createdAt: time.Now()}, nil
}

// FromKey wraps an existing private key, e.g. one given in the config file.
func FromKey(key wgtypes.Key) *Identity {
	return &Identity{privateKey: key, publicKey: key.PublicKey(), createdAt: time.Now()}
}

// Load reads an identity. It returns nil, nil when the file does not exist.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var p persistedIdentity
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	privateKey, err := wgtypes.ParseKey(p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing WireGuard private key: %w", err)
	}
	publicKey := privateKey.PublicKey()
	if p.PublicKey != "" && p.PublicKey != publicKey.String() {
		return nil, errors.New("WireGuard public key mismatch in key file")
	}

	return &Identity{
		privateKey: privateKey,
		publicKey:  publicKey,
		createdAt:  p.CreatedAt,
		rotatedAt:  p.RotatedAt,
	}, nil
}

// LoadOrCreate loads the identity at path, generating and saving a new one
// when none exists yet.
func LoadOrCreate(path string) (*Identity, bool, error) {
	id, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	if id != nil {
		return id, false, nil
	}
	if id, err = New(); err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	log.WithField("path", path).WithField("fingerprint", id.Fingerprint()).Info("generated WireGuard key")
	return id, true, nil
}

// Save writes the identity atomically with mode 0600.
func (id *Identity) Save(path string) error {
	id.mu.RLock()
	p := persistedIdentity{
		PrivateKey: id.privateKey.String(),
		PublicKey:  id.publicKey.String(),
		CreatedAt:  id.createdAt,
		RotatedAt:  id.rotatedAt,
	}
	id.mu.RUnlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// A stale temp file is overwritten by the next save.
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming key file: %w", err)
	}
	return nil
}

// Rotate replaces the keypair. The caller persists and re-registers it.
func (id *Identity) Rotate() (wgtypes.Key, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("generating WireGuard private key: %w", err)
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	id.privateKey = key
	id.publicKey = key.PublicKey()
	id.rotatedAt = time.Now()
	return id.publicKey, nil
}

// PrivateKey returns the WireGuard private key.
func (id *Identity) PrivateKey() wgtypes.Key {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.privateKey
}

// PublicKey returns the WireGuard public key.
func (id *Identity) PublicKey() wgtypes.Key {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.publicKey
}

// Fingerprint is a short hex digest of the public key for logs and status
// output. It never reveals key material.
func (id *Identity) Fingerprint() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	hash := sha256.Sum256(id.publicKey[:])
	return hex.EncodeToString(hash[:FingerprintLength])
}

// CreatedAt returns when the identity was first generated.
func (id *Identity) CreatedAt() time.Time {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.createdAt
}

// RotatedAt returns when the key was last rotated, zero if never.
func (id *Identity) RotatedAt() time.Time {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.rotatedAt
}
