package passportsim

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/okian/passport-registry/internal/domain/credential"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/internal/domain/signature"
)

// SharedHash is the stamp hash every wallet claims when Config.Shared is set.
const SharedHash = "passport-sim-shared"

const stampLifetime = 90 * 24 * time.Hour

// Wallet is a generated signer with its authorization signature.
type Wallet struct {
	Key       *ecdsa.PrivateKey
	Address   string
	DID       string
	Signature string
}

// NewWallet generates a key and signs message with it.
func NewWallet(message string) (Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Wallet{}, fmt.Errorf("generate key: %w", err)
	}
	sig, err := signature.Sign(key, message)
	if err != nil {
		return Wallet{}, fmt.Errorf("sign: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return Wallet{Key: key, Address: addr, DID: signature.DID(addr), Signature: sig}, nil
}

// GenerateWallets creates n wallets. The first bad wallets carry a signature
// made by a different key, so the registry recovers the wrong signer.
func GenerateWallets(ctx context.Context, n, bad int, message string) ([]Wallet, error) {
	out := make([]Wallet, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during wallet generation: %w", err)
		}
		w, err := NewWallet(message)
		if err != nil {
			return nil, err
		}
		if i < bad {
			other, err := NewWallet(message)
			if err != nil {
				return nil, err
			}
			w.Signature = other.Signature
		}
		out = append(out, w)
	}
	return out, nil
}

// Document builds the passport document of w with one stamp per provider.
// With shared set, the first provider's stamp uses SharedHash.
func (w Wallet) Document(issuer string, providers []string, shared bool, now time.Time) model.Document {
	doc := model.Document{Issuer: issuer}
	expires := now.Add(stampLifetime).UTC().Format(credential.ExpirationLayout)
	for i, p := range providers {
		hash := uuid.NewSHA1(uuid.NameSpaceURL, []byte(w.DID+"#"+p)).String()
		if shared && i == 0 {
			hash = SharedHash
		}
		doc.Stamps = append(doc.Stamps, model.DocumentStamp{
			Provider: p,
			Credential: model.Credential{
				Issuer:            issuer,
				IssuanceDate:      now.UTC().Format(credential.ExpirationLayout),
				ExpirationDate:    expires,
				CredentialSubject: model.CredentialSubject{ID: w.DID, Hash: hash, Provider: p},
				Proof:             json.RawMessage(`{"type":"EthereumEip712Signature2021"}`),
			},
		})
	}
	return doc
}
