package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	// envconfig's required check fires only for an unset variable, not an
	// empty one; Setenv registers the restore, Unsetenv removes it.
	t.Setenv("DATABASE_URL", "")
	require.NoError(t, os.Unsetenv("DATABASE_URL"))
	t.Setenv("BITCOIND_URL", "http://localhost:8332")
	t.Setenv("PRIVATE_KEY", "00")
	t.Setenv("PUBLIC_IP", "127.0.0.1")
	t.Setenv("COIN_MARKET_CAP_KEY", "key")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stabled")
	t.Setenv("BITCOIND_URL", "http://localhost:8332")
	t.Setenv("PRIVATE_KEY", "00")
	t.Setenv("PUBLIC_IP", "127.0.0.1")
	t.Setenv("COIN_MARKET_CAP_KEY", "key")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint16(80), c.Port)
	require.Equal(t, int64(6), c.MinConfirmations)
	require.False(t, c.IsProduction())
}

func TestPrivateKeyECDSADecodesWIF(t *testing.T) {
	// Compressed mainnet WIF for private key 1, a well-known test vector.
	c := &Config{PrivateKey: "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFUL8iStS4wC"}
	priv, err := c.PrivateKeyECDSA()
	require.NoError(t, err)
	require.NotNil(t, priv)
}

func TestPrivateKeyECDSARejectsGarbage(t *testing.T) {
	c := &Config{PrivateKey: "not-a-wif-key"}
	_, err := c.PrivateKeyECDSA()
	require.Error(t, err)
}
