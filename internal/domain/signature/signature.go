// Package signature recovers the wallet that signed the registry's
// authorization message and derives the DID used to address its passport.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// didPrefix addresses passports of mainnet accounts.
const didPrefix = "did:pkh:eip155:1:"

// ErrMalformedSignature is returned for signatures that are not 65 hex bytes
// or do not recover to a public key.
var ErrMalformedSignature = errors.New("malformed signature")

// Recoverer recovers signers of a fixed personal_sign message.
type Recoverer struct {
	hash []byte
}

// NewRecoverer prepares a Recoverer for message.
func NewRecoverer(message string) *Recoverer {
	return &Recoverer{hash: accounts.TextHash([]byte(message))}
}

// Recover returns the checksummed address that produced sig over the
// configured message.
func (r *Recoverer) Recover(sig string) (string, error) {
	raw, err := hexutil.Decode(ensure0x(strings.TrimSpace(sig)))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: length %d", ErrMalformedSignature, len(raw))
	}
	// wallets emit V as 27/28
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(r.hash, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Sign produces a wallet-style (V = 27/28) signature of message with key.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// DID derives the passport identifier of address.
func DID(address string) string {
	return didPrefix + strings.ToLower(strings.TrimSpace(address))
}

// SameAddress compares two addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
