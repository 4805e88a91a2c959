package secret

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyring_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	kr, err := LoadKeyring(dir)
	require.NoError(t, err)

	sealed, err := kr.Seal([]byte("token-value"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "token-value")

	opened, err := kr.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token-value", string(opened))
}

func TestKeyring_PersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	kr1, err := LoadKeyring(dir)
	require.NoError(t, err)
	sealed, err := kr1.Seal([]byte("secret"))
	require.NoError(t, err)

	// A fresh load of the same directory must open data sealed before.
	kr2, err := LoadKeyring(dir)
	require.NoError(t, err)
	opened, err := kr2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(opened))
}

func TestKeyring_WrongKeyFails(t *testing.T) {
	kr1, err := LoadKeyring(t.TempDir())
	require.NoError(t, err)
	kr2, err := LoadKeyring(t.TempDir())
	require.NoError(t, err)

	sealed, err := kr1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = kr2.Open(sealed)
	assert.Error(t, err)
}

func TestKeyring_TamperedDataFails(t *testing.T) {
	kr, err := LoadKeyring(t.TempDir())
	require.NoError(t, err)

	sealed, err := kr.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = kr.Open(sealed)
	assert.Error(t, err)

	_, err = kr.Open([]byte("short"))
	assert.Error(t, err)
}

func TestLoadKeyring_CorruptKeyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.key"), []byte("not a key"), 0o600))

	_, err := LoadKeyring(dir)
	assert.Error(t, err)
}
