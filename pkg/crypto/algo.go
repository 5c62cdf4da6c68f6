package crypto

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/cloudflare/circl/sign/ed25519"
)

// algoBytesPrefix is prepended by Algorand's signBytes/verifyBytes so that
// arbitrary data can never be mistaken for a transaction
var algoBytesPrefix = []byte("MX")

// AlgoSigner manages an Algorand ed25519 key pair
type AlgoSigner struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    types.Address
}

// GenerateAlgoKey creates a new random Algorand account key
func GenerateAlgoKey() (*AlgoSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newAlgoSigner(priv, pub), nil
}

// AlgoFromSeedHex builds a signer from a 32-byte hex seed
func AlgoFromSeedHex(seedHex string) (*AlgoSigner, error) {
	seed, err := hex.DecodeString(trim0x(seedHex))
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newAlgoSigner(priv, priv.Public().(ed25519.PublicKey)), nil
}

// AlgoFromMnemonic builds a signer from a 25-word Algorand mnemonic
func AlgoFromMnemonic(words string) (*AlgoSigner, error) {
	sk, err := mnemonic.ToPrivateKey(words)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mnemonic: %w", err)
	}
	priv := ed25519.PrivateKey(sk)
	return newAlgoSigner(priv, priv.Public().(ed25519.PublicKey)), nil
}

func newAlgoSigner(priv ed25519.PrivateKey, pub ed25519.PublicKey) *AlgoSigner {
	var addr types.Address
	copy(addr[:], pub)
	return &AlgoSigner{privateKey: priv, publicKey: pub, address: addr}
}

// Address returns the checksummed base32 account address
func (s *AlgoSigner) Address() string { return s.address.String() }

// PrivateKey returns the key in the form the Algorand SDK signs with
func (s *AlgoSigner) PrivateKey() stded25519.PrivateKey {
	return stded25519.PrivateKey(s.privateKey)
}

// SignBytes signs "MX" || msg, matching algosdk's sign_bytes
func (s *AlgoSigner) SignBytes(msg []byte) []byte {
	return ed25519.Sign(s.privateKey, append(append([]byte{}, algoBytesPrefix...), msg...))
}

// VerifyAlgoBytes checks an ed25519 signature made by SignBytes against an
// Algorand address
func VerifyAlgoBytes(address string, msg, sig []byte) bool {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	prefixed := append(append([]byte{}, algoBytesPrefix...), msg...)
	return ed25519.Verify(ed25519.PublicKey(addr[:]), prefixed, sig)
}
