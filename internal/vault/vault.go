// Package vault stores and serves the symmetric master keys used to
// encrypt backup artifacts.
//
// A profile's master key is generated once, wrapped immediately with a
// key derived from the application secret, and persisted only as
// ciphertext. The plaintext key exists transiently in memory while a
// crypto stream is being constructed.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"backupd/internal/crypto"
)

const (
	saltSize      = 16
	pbkdf2Iters   = 100_000
	wrapNonceSize = 12
)

// ErrNotFound is returned when no profile exists for an id.
var ErrNotFound = errors.New("encryption profile not found")

// ErrCorruptKey means an unwrapped master key was not exactly 32 bytes.
// This is an integrity violation, never a retryable condition: data
// encrypted under that profile cannot be trusted or recovered.
var ErrCorruptKey = errors.New("decrypted master key is not 32 bytes: profile key material is corrupted")

// Profile describes one stored encryption profile. KeyCiphertext holds
// salt, nonce and the wrapped master key, base64-encoded.
type Profile struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	KeyCiphertext string    `json:"key_ciphertext" yaml:"key_ciphertext"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// Vault wraps a profile file with key generation and unwrapping.
type Vault struct {
	mu     sync.Mutex
	path   string
	secret []byte
}

// New opens a vault backed by the JSON file at path. The application
// secret is the wrapping passphrase; it never appears in the file.
func New(path, appSecret string) (*Vault, error) {
	if appSecret == "" {
		return nil, errors.New("application secret is required to open the vault")
	}
	return &Vault{path: path, secret: []byte(appSecret)}, nil
}

// CreateProfile generates a fresh 32-byte master key, wraps it, and
// persists the new profile.
func (v *Vault) CreateProfile(name, description string) (*Profile, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := v.wrap(key)
	if err != nil {
		return nil, err
	}

	profile := &Profile{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   description,
		KeyCiphertext: wrapped,
		CreatedAt:     time.Now().UTC(),
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	profiles, err := v.load()
	if err != nil {
		return nil, err
	}
	profiles[profile.ID] = profile
	if err := v.save(profiles); err != nil {
		return nil, err
	}
	return profile, nil
}

// Get returns the stored profile for id without unwrapping its key.
func (v *Vault) Get(id string) (*Profile, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	profiles, err := v.load()
	if err != nil {
		return nil, err
	}
	p, ok := profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns all profiles ordered by creation time.
func (v *Vault) List() ([]*Profile, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	profiles, err := v.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Open unwraps and returns the plaintext master key for id. Callers
// must not retain the key beyond constructing a crypto stream.
func (v *Vault) Open(id string) ([]byte, error) {
	p, err := v.Get(id)
	if err != nil {
		return nil, err
	}

	key, err := v.unwrap(p.KeyCiphertext)
	if err != nil {
		return nil, err
	}
	if len(key) != crypto.KeySize {
		return nil, ErrCorruptKey
	}
	return key, nil
}

// wrap seals the master key with AES-256-GCM under a key derived from
// the application secret via PBKDF2-SHA256.
func (v *Vault) wrap(key []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, wrapNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, key, nil)

	blob := make([]byte, 0, saltSize+wrapNonceSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (v *Vault) unwrap(ciphertext string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("profile key ciphertext is not valid base64: %w", err)
	}
	if len(blob) < saltSize+wrapNonceSize+crypto.TagSize {
		return nil, ErrCorruptKey
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+wrapNonceSize]
	sealed := blob[saltSize+wrapNonceSize:]

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	key, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
	}
	return key, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key(v.secret, salt, pbkdf2Iters, crypto.KeySize, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wrapping cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (v *Vault) load() (map[string]*Profile, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return map[string]*Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}

	var profiles map[string]*Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse vault file: %w", err)
	}
	return profiles, nil
}

func (v *Vault) save(profiles map[string]*Profile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize vault: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	// Write through a temp file so a crash never truncates the vault.
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	return os.Rename(tmp, v.path)
}
