package chain

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/crypto"
)

// ValidateAddress checks addr is a well-formed account on network n
func ValidateAddress(n core.Network, addr string) error {
	switch n {
	case core.Ethereum:
		if _, err := crypto.ParseEthAddress(addr); err != nil {
			return fmt.Errorf("invalid %s address: %w", n, err)
		}
		return nil
	case core.Algorand:
		if _, err := types.DecodeAddress(addr); err != nil {
			return fmt.Errorf("invalid %s address: %w", n, err)
		}
		return nil
	}
	return fmt.Errorf("unknown network %q", n)
}

// SameAddress compares two addresses on n, ignoring hex letter case on
// Ethereum
func SameAddress(n core.Network, a, b string) bool {
	if n == core.Ethereum {
		x, err1 := crypto.ParseEthAddress(a)
		y, err2 := crypto.ParseEthAddress(b)
		return err1 == nil && err2 == nil && x == y
	}
	return a == b
}
