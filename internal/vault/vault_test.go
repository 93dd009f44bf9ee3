package vault

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupd/internal/crypto"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(filepath.Join(t.TempDir(), "vault.json"), "test-app-secret")
	require.NoError(t, err)
	return v
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "vault.json"), "")
	assert.Error(t, err)
}

func TestCreateProfile_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	profile, err := v.CreateProfile("nightly", "key for the nightly jobs")
	require.NoError(t, err)
	assert.NotEmpty(t, profile.ID)
	assert.Equal(t, "nightly", profile.Name)
	assert.NotEmpty(t, profile.KeyCiphertext)

	key, err := v.Open(profile.ID)
	require.NoError(t, err)
	assert.Len(t, key, crypto.KeySize)
}

func TestCreateProfile_KeyNeverStoredInPlaintext(t *testing.T) {
	v := newTestVault(t)

	profile, err := v.CreateProfile("nightly", "")
	require.NoError(t, err)
	key, err := v.Open(profile.ID)
	require.NoError(t, err)

	raw, err := os.ReadFile(v.path)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), base64.StdEncoding.EncodeToString(key))
	assert.NotContains(t, string(raw), "test-app-secret")
}

func TestOpen_UnknownProfile(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Open("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_WrongSecretIsIntegrityFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v, err := New(path, "correct-secret")
	require.NoError(t, err)
	profile, err := v.CreateProfile("nightly", "")
	require.NoError(t, err)

	other, err := New(path, "wrong-secret")
	require.NoError(t, err)

	_, err = other.Open(profile.ID)
	assert.ErrorIs(t, err, ErrCorruptKey)
}

func TestOpen_TruncatedCiphertext(t *testing.T) {
	v := newTestVault(t)
	profile, err := v.CreateProfile("nightly", "")
	require.NoError(t, err)

	// Corrupt the stored ciphertext on disk.
	raw, err := os.ReadFile(v.path)
	require.NoError(t, err)
	corrupted := strings.Replace(string(raw), profile.KeyCiphertext,
		base64.StdEncoding.EncodeToString([]byte("short")), 1)
	require.NoError(t, os.WriteFile(v.path, []byte(corrupted), 0o600))

	_, err = v.Open(profile.ID)
	assert.ErrorIs(t, err, ErrCorruptKey)
}

func TestList_OrderedByCreation(t *testing.T) {
	v := newTestVault(t)

	first, err := v.CreateProfile("first", "")
	require.NoError(t, err)
	second, err := v.CreateProfile("second", "")
	require.NoError(t, err)

	profiles, err := v.List()
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, first.ID, profiles[0].ID)
	assert.Equal(t, second.ID, profiles[1].ID)
}

func TestVault_EmptyFileIsEmptyVault(t *testing.T) {
	v := newTestVault(t)

	profiles, err := v.List()
	require.NoError(t, err)
	assert.Empty(t, profiles)
}
