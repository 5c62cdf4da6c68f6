package crypto

import (
	"errors"
	"fmt"
)

// ErrKeyNotConfigured is returned when a key is missing and generating one
// is not allowed
var ErrKeyNotConfigured = errors.New("key not configured")

// Keyring holds the exchange's own accounts, one per network. Only the
// chain clients read it, to authorize outgoing settlement transfers.
type Keyring struct {
	Eth  *Signer
	Algo *AlgoSigner
}

// KeyringConfig names where the exchange keys come from. Empty fields are
// generated only when AllowGenerated is set, which is only sensible for
// simnet: a generated key holds no funds and is lost on restart.
type KeyringConfig struct {
	EthPrivateKeyHex string
	AlgoMnemonic     string
	AlgoSeedHex      string
	AllowGenerated   bool
}

// LoadKeyring builds the exchange keyring from config
func LoadKeyring(cfg KeyringConfig) (*Keyring, error) {
	var (
		kr  Keyring
		err error
	)
	switch {
	case cfg.EthPrivateKeyHex != "":
		kr.Eth, err = FromPrivateKeyHex(cfg.EthPrivateKeyHex)
	case cfg.AllowGenerated:
		kr.Eth, err = GenerateKey()
	default:
		err = ErrKeyNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("ethereum key: %w", err)
	}

	switch {
	case cfg.AlgoMnemonic != "":
		kr.Algo, err = AlgoFromMnemonic(cfg.AlgoMnemonic)
	case cfg.AlgoSeedHex != "":
		kr.Algo, err = AlgoFromSeedHex(cfg.AlgoSeedHex)
	case cfg.AllowGenerated:
		kr.Algo, err = GenerateAlgoKey()
	default:
		err = ErrKeyNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("algorand key: %w", err)
	}
	return &kr, nil
}
