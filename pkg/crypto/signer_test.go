package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}

	privHex := signer.PrivateKeyHex()
	if len(privHex) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(privHex))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}
}

func TestTextHashMatchesGethAccounts(t *testing.T) {
	msg := []byte(`{"sender_pk":"0xabc"}`)
	if !bytes.Equal(TextHash(msg), accounts.TextHash(msg)) {
		t.Fatal("TextHash disagrees with go-ethereum accounts.TextHash")
	}
}

func TestSignTextRecover(t *testing.T) {
	signer, _ := GenerateKey()
	message := []byte("Test message")

	signature, err := signer.SignText(message)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if v := signature[64]; v != 27 && v != 28 {
		t.Errorf("V = %d, want 27 or 28", v)
	}

	recovered, err := RecoverAddress(TextHash(message), signature)
	if err != nil {
		t.Fatalf("failed to recover address: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered address = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, TextHash(message), signature) {
		t.Error("signature should not verify with wrong address")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
	bad := make([]byte, 65)
	bad[64] = 9
	if _, err := RecoverAddress(hash, bad); err == nil {
		t.Error("recovery id 9 should be rejected")
	}
}

func TestEIP55(t *testing.T) {
	// vector from EIP-55
	want := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	raw, _ := hex.DecodeString(strings.ToLower(want[2:]))
	if got := EIP55(raw); got != want {
		t.Errorf("EIP55 = %s, want %s", got, want)
	}
	if got := common.BytesToAddress(raw).Hex(); got != want {
		t.Errorf("geth checksum = %s, want %s", got, want)
	}
}

func TestParseEthAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"checksummed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"lower", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"upper no prefix", "5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", false},
		{"bad checksum", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", true},
		{"short", "0x1234", true},
		{"not hex", "0xzzzeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEthAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseEthAddress(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestAlgoSignVerify(t *testing.T) {
	signer, err := GenerateAlgoKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	msg := []byte(`{"platform":"Algorand"}`)
	sig := signer.SignBytes(msg)

	if !VerifyAlgoBytes(signer.Address(), msg, sig) {
		t.Fatal("signature should verify")
	}

	other, _ := GenerateAlgoKey()
	if VerifyAlgoBytes(other.Address(), msg, sig) {
		t.Error("signature should not verify for another address")
	}
	if VerifyAlgoBytes("not-an-address", msg, sig) {
		t.Error("malformed address should not verify")
	}
	if VerifyAlgoBytes(signer.Address(), msg, sig[:10]) {
		t.Error("truncated signature should not verify")
	}
}

func TestAlgoFromSeedHexDeterministic(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	a, err := AlgoFromSeedHex(seed)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	b, _ := AlgoFromSeedHex("0x" + seed)
	if a.Address() != b.Address() {
		t.Errorf("same seed produced %s and %s", a.Address(), b.Address())
	}
	if _, err := AlgoFromSeedHex("abcd"); err == nil {
		t.Error("short seed should fail")
	}
}

func TestLoadKeyringGeneratesMissingKeys(t *testing.T) {
	kr, err := LoadKeyring(KeyringConfig{AlgoSeedHex: strings.Repeat("01", 32), AllowGenerated: true})
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	if kr.Eth == nil || kr.Algo == nil {
		t.Fatal("keyring missing a key")
	}
}

func TestLoadKeyringRequiresKeys(t *testing.T) {
	tests := []struct {
		name string
		cfg  KeyringConfig
	}{
		{"none", KeyringConfig{}},
		{"no ethereum", KeyringConfig{AlgoSeedHex: strings.Repeat("01", 32)}},
		{"no algorand", KeyringConfig{EthPrivateKeyHex: strings.Repeat("02", 32)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadKeyring(tt.cfg); !errors.Is(err, ErrKeyNotConfigured) {
				t.Fatalf("err = %v, want ErrKeyNotConfigured", err)
			}
		})
	}

	kr, err := LoadKeyring(KeyringConfig{
		EthPrivateKeyHex: strings.Repeat("02", 32),
		AlgoSeedHex:      strings.Repeat("01", 32),
	})
	if err != nil {
		t.Fatalf("both keys configured: %v", err)
	}
	if kr.Eth == nil || kr.Algo == nil {
		t.Fatal("keyring missing a key")
	}
}
