package core

import (
	"fmt"
	"strings"
)

// Network identifies a settlement chain. Currencies are named by the network
// they live on, so a Network doubles as a currency code.
type Network string

const (
	Ethereum Network = "Ethereum"
	Algorand Network = "Algorand"
)

// Networks lists every supported network in a fixed order
var Networks = []Network{Ethereum, Algorand}

// ParseNetwork validates a network name (case-insensitive)
func ParseNetwork(s string) (Network, error) {
	for _, n := range Networks {
		if strings.EqualFold(s, string(n)) {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown network %q", s)
}

func (n Network) String() string { return string(n) }

// Valid reports whether n is one of the supported networks
func (n Network) Valid() bool {
	for _, known := range Networks {
		if n == known {
			return true
		}
	}
	return false
}
