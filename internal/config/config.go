// Package config loads marketescrow's process configuration from the
// environment (and, for local development, a .env file), the way the
// teacher's walletserver/config.go loads WALLET_PORT with godotenv and
// pkg/config.Load layers viper over environment variables for the larger
// node. Every env var named in SPEC_FULL.md §6 is read exactly once, here.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"marketescrow/internal/cryptoutil"
	"marketescrow/internal/errs"
	"marketescrow/pkg/utils"

	"crypto/ed25519"
)

// Config is the fully-resolved process configuration. It is read once at
// startup (cmd/escrowd) and passed down as an explicit dependency — spec
// §9: "no singletons beyond [the encryption key and arbiter public key]".
type Config struct {
	DatabaseURL string
	DBMaxConns  int32

	EncryptionKey cryptoutil.Key
	ArbiterPubKey ed25519.PublicKey

	HTTPListenAddr    string
	MetricsListenAddr string

	Timeouts Timeouts

	AutoBroadcastSettlement bool
	FundingConfirmations    int
}

// Timeouts mirrors the TIMEOUT_* table in spec.md §6 exactly.
type Timeouts struct {
	MultisigSetup     time.Duration
	Funding           time.Duration
	TxConfirmation    time.Duration
	DisputeResolution time.Duration
	PollInterval      time.Duration
	WarningThreshold  time.Duration
	StuckThreshold    time.Duration
	WalletRPC         time.Duration
}

// Load reads environment variables (optionally overlaid with a .env file
// for local development, per the teacher's walletserver pattern) and
// returns a validated Config. DB_ENCRYPTION_KEY and ARBITER_PUBKEY must be
// present and well-formed; every other value falls back to the documented
// default. A malformed secret is fatal here — "decryption failures at
// startup are fatal" (spec §7).
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	viper.AutomaticEnv()

	rawKey := viper.GetString("DB_ENCRYPTION_KEY")
	if rawKey == "" {
		return nil, fmt.Errorf("config: %w: DB_ENCRYPTION_KEY is required", errs.ErrKeyNotConfigured)
	}
	key, err := cryptoutil.NewKey([]byte(rawKey))
	if err != nil {
		return nil, fmt.Errorf("config: DB_ENCRYPTION_KEY: %w", err)
	}

	rawPub := viper.GetString("ARBITER_PUBKEY")
	if rawPub == "" {
		return nil, fmt.Errorf("config: ARBITER_PUBKEY is required")
	}
	pub, err := cryptoutil.ParsePublicKeyHex(rawPub)
	if err != nil {
		return nil, fmt.Errorf("config: ARBITER_PUBKEY: %w", err)
	}

	dbURL := viper.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:       dbURL,
		DBMaxConns:        int32(utils.EnvOrDefaultInt("DB_MAX_CONNS", 10)),
		EncryptionKey:     key,
		ArbiterPubKey:     pub,
		HTTPListenAddr:    utils.EnvOrDefault("HTTP_LISTEN_ADDR", "127.0.0.1:8090"),
		MetricsListenAddr: utils.EnvOrDefault("METRICS_LISTEN_ADDR", "127.0.0.1:9090"),
		Timeouts: Timeouts{
			MultisigSetup:     secs("TIMEOUT_MULTISIG_SETUP_SECS", 3600),
			Funding:           secs("TIMEOUT_FUNDING_SECS", 86400),
			TxConfirmation:    secs("TIMEOUT_TX_CONFIRMATION_SECS", 21600),
			DisputeResolution: secs("TIMEOUT_DISPUTE_RESOLUTION_SECS", 604800),
			PollInterval:      secs("TIMEOUT_POLL_INTERVAL_SECS", 60),
			WarningThreshold:  secs("TIMEOUT_WARNING_THRESHOLD_SECS", 3600),
			StuckThreshold:    secs("TIMEOUT_STUCK_THRESHOLD_SECS", 900),
			WalletRPC:         secs("TIMEOUT_WALLET_RPC_SECS", 30),
		},
		AutoBroadcastSettlement: utils.EnvOrDefault("AUTO_BROADCAST_SETTLEMENT", "false") == "true",
		FundingConfirmations:    utils.EnvOrDefaultInt("FUNDING_CONFIRMATIONS", 10),
	}
	return cfg, nil
}

func secs(key string, fallback int) time.Duration {
	return time.Duration(utils.EnvOrDefaultInt(key, fallback)) * time.Second
}
