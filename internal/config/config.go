// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full set of environment-derived settings this node starts
// from. Fields map directly to the env vars the original node reads, plus
// the poller/outbox tuning knobs this implementation's ambiguities require.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	BitcoindURL string `envconfig:"BITCOIND_URL" required:"true"`
	PrivateKey  string `envconfig:"PRIVATE_KEY" required:"true"`
	PublicIP    string `envconfig:"PUBLIC_IP" required:"true"`
	Port        uint16 `envconfig:"PORT" default:"80"`
	Env         string `envconfig:"ENV" default:"development"`

	LetsEncryptDomains []string `envconfig:"LETS_ENCRYPT_DOMAINS"`
	LetsEncryptEmails  []string `envconfig:"LETS_ENCRYPT_EMAILS"`

	CoinMarketCapKey string `envconfig:"COIN_MARKET_CAP_KEY" required:"true"`

	MaxExchangeRateAgeBlocks int64         `envconfig:"MAX_EXCHANGE_RATE_AGE_BLOCKS" default:"3"`
	MinConfirmations         int64         `envconfig:"MIN_CONFIRMATIONS" default:"6"`
	PollInterval             time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
}

// Load reads a .env file if present (silently ignored when absent — a
// deployed node supplies its environment directly) and then populates a
// Config from the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// IsProduction reports whether ENV selects the production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PrivateKeyECDSA decodes PrivateKey as a Wallet Import Format key — the
// node's own signing key, used both to identify itself to peers and to
// derive its share of the hot-wallet multisig.
func (c *Config) PrivateKeyECDSA() (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("config: PRIVATE_KEY: %w", err)
	}
	return wif.PrivKey, nil
}
