package auth

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/crypto"
)

// Scheme verifies a signature over canonical payload bytes for one network.
// Implementations must return false rather than panic or error on any
// malformed input.
type Scheme interface {
	Verify(payload, signature []byte, key string) bool
	// DecodeSignature turns the wire form into raw signature bytes
	DecodeSignature(sig string) ([]byte, bool)
}

// Authenticator dispatches verification to the scheme registered for a
// network
type Authenticator struct {
	mu      sync.RWMutex
	schemes map[core.Network]Scheme
}

// New returns an Authenticator with the Ethereum and Algorand schemes
func New() *Authenticator {
	a := &Authenticator{schemes: make(map[core.Network]Scheme)}
	a.Register(core.Ethereum, EthereumScheme{})
	a.Register(core.Algorand, AlgorandScheme{})
	return a
}

// Register installs or replaces the scheme for a network
func (a *Authenticator) Register(n core.Network, s Scheme) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schemes[n] = s
}

// Verify reports whether signature (wire form) is a valid signature of
// payload by claimedSender on network
func (a *Authenticator) Verify(payload []byte, signature string, network core.Network, claimedSender string) bool {
	a.mu.RLock()
	s, ok := a.schemes[network]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	sig, ok := s.DecodeSignature(signature)
	if !ok {
		return false
	}
	return s.Verify(payload, sig, claimedSender)
}

// VerifySubmission authenticates a parsed order submission. The platform
// picks the scheme; the payload is re-serialized canonically.
func (a *Authenticator) VerifySubmission(sub *core.Submission) bool {
	network, err := core.ParseNetwork(sub.Payload.Platform)
	if err != nil {
		return false
	}
	return a.Verify(sub.Payload.Canonical(), sub.Signature, network, sub.Payload.SenderKey)
}

// VerifyCancel authenticates a cancel request the same way
func (a *Authenticator) VerifyCancel(req *core.CancelRequest) bool {
	if req == nil || req.Payload == nil {
		return false
	}
	network, err := core.ParseNetwork(req.Payload.Platform)
	if err != nil {
		return false
	}
	return a.Verify(req.Payload.Canonical(), req.Signature, network, req.Payload.SenderKey)
}

// EthereumScheme recovers the signer from an EIP-191 personal-message
// signature and compares it to the claimed address
type EthereumScheme struct{}

func (EthereumScheme) DecodeSignature(sig string) ([]byte, bool) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(sig, "0x"), "0X"))
	if err != nil || len(b) != 65 {
		return nil, false
	}
	return b, true
}

func (EthereumScheme) Verify(payload, signature []byte, key string) bool {
	claimed, err := crypto.ParseEthAddress(key)
	if err != nil {
		return false
	}
	return crypto.VerifySignature(common.Address(claimed), crypto.TextHash(payload), signature)
}

// AlgorandScheme checks an ed25519 signature over "MX" || payload against
// the public key embedded in the claimed Algorand address
type AlgorandScheme struct{}

func (AlgorandScheme) DecodeSignature(sig string) ([]byte, bool) {
	b, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (AlgorandScheme) Verify(payload, signature []byte, key string) bool {
	return crypto.VerifyAlgoBytes(key, payload, signature)
}

// SignSubmission is the client-side counterpart: it signs payload with the
// key matching its platform and returns the wire envelope. Exactly one of
// eth/algo is used.
func SignSubmission(p core.Payload, eth *crypto.Signer, algo *crypto.AlgoSigner) (*core.Submission, error) {
	return signCanonical(p.Platform, p.Canonical(), eth, algo, func(sig string) *core.Submission {
		return &core.Submission{Signature: sig, Payload: &p}
	})
}

// SignCancel signs a cancel request
func SignCancel(p core.CancelPayload, eth *crypto.Signer, algo *crypto.AlgoSigner) (*core.CancelRequest, error) {
	return signCanonical(p.Platform, p.Canonical(), eth, algo, func(sig string) *core.CancelRequest {
		return &core.CancelRequest{Signature: sig, Payload: &p}
	})
}

func signCanonical[T any](platform string, msg []byte, eth *crypto.Signer, algo *crypto.AlgoSigner, wrap func(string) T) (T, error) {
	var zero T
	network, err := core.ParseNetwork(platform)
	if err != nil {
		return zero, err
	}
	switch network {
	case core.Ethereum:
		if eth == nil {
			return zero, errMissingKey(network)
		}
		sig, err := eth.SignText(msg)
		if err != nil {
			return zero, err
		}
		return wrap("0x" + hex.EncodeToString(sig)), nil
	case core.Algorand:
		if algo == nil {
			return zero, errMissingKey(network)
		}
		return wrap(base64.StdEncoding.EncodeToString(algo.SignBytes(msg))), nil
	}
	return zero, errMissingKey(network)
}

type errMissingKey core.Network

func (e errMissingKey) Error() string { return "no signing key for " + string(e) }
