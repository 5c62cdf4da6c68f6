// file: pkg/crypto/ethaddr.go
package crypto

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// TextHash is the EIP-191 personal message digest:
// keccak256("\x19Ethereum Signed Message:\n" || len(msg) || msg)
func TextHash(msg []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n"))
	h.Write([]byte(strconv.Itoa(len(msg))))
	h.Write(msg)
	return h.Sum(nil)
}

// ParseEthAddress decodes a 0x-prefixed (or bare) 40-hex-char address in any
// letter case. Mixed-case input must carry a valid EIP-55 checksum.
func ParseEthAddress(s string) ([20]byte, error) {
	var out [20]byte
	body := trim0x(s)
	if len(body) != 40 {
		return out, fmt.Errorf("address must be 40 hex chars, got %d", len(body))
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return out, fmt.Errorf("invalid hex address: %w", err)
	}
	copy(out[:], raw)
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if EIP55(out[:]) != "0x"+body {
			return out, fmt.Errorf("bad EIP-55 checksum for %s", s)
		}
	}
	return out, nil
}

// EIP55 computes the checksummed hex address string from 20-byte raw address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20) // lower
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)
	var out = make([]byte, 2+len(hexaddr))
	copy(out, []byte("0x"))
	for i, c := range []byte(hexaddr) {
		if c >= '0' && c <= '9' {
			out[2+i] = c
			continue
		}
		// i>>1 picks the hash byte, even/odd picks the high/low nibble
		hb := hash[i>>1]
		nibble := hb & 0x0f
		if i%2 == 0 {
			nibble = hb >> 4
		}
		if nibble >= 8 {
			out[2+i] = c - 'a' + 'A'
		} else {
			out[2+i] = c
		}
	}
	return string(out)
}

func trim0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}
