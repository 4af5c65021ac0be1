package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/okian/passport-registry/internal/adapters/repository"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
)

const keySeparator = "."

// IssuedKey is a freshly created API key. Raw is shown once and never
// stored.
type IssuedKey struct {
	Key model.APIKey
	Raw string
}

// IssueAPIKey creates a key for accountID.
func (s *Service) IssueAPIKey(ctx context.Context, accountID int64, name string) (IssuedKey, error) {
	prefix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	secret, err := randomSecret()
	if err != nil {
		return IssuedKey{}, err
	}
	key, err := s.storeKey(ctx, accountID, name, prefix, secret)
	if err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{Key: key, Raw: prefix + keySeparator + secret}, nil
}

func (s *Service) storeKey(ctx context.Context, accountID int64, name, prefix, secret string) (model.APIKey, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("hash api key: %w", err)
	}
	key, err := s.store.CreateAPIKey(ctx, model.APIKey{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Name:       name,
		Prefix:     prefix,
		SecretHash: hash,
	})
	if err != nil {
		return model.APIKey{}, fmt.Errorf("store api key: %w", err)
	}
	return key, nil
}

// ResolveAPIKey returns the account a raw key belongs to. Unknown or
// malformed keys yield ingest.ErrUnauthorized.
func (s *Service) ResolveAPIKey(ctx context.Context, raw string) (model.Account, error) {
	raw = strings.TrimSpace(raw)
	prefix, secret, ok := strings.Cut(raw, keySeparator)
	if !ok || prefix == "" || secret == "" {
		return model.Account{}, ingest.ErrUnauthorized
	}

	fingerprint := keyFingerprint(raw)
	if s.apiKeys != nil {
		if v, hit := s.apiKeys.Get(fingerprint); hit {
			return model.Account{ID: v.(int64)}, nil
		}
	}

	key, found, err := s.store.APIKeyByPrefix(ctx, prefix)
	if err != nil {
		s.logger.Error(ctx, "api key lookup failed", logger.Error(err))
		return model.Account{}, fmt.Errorf("%w: %w", ingest.ErrUnauthorized, err)
	}
	if !found || bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)) != nil {
		return model.Account{}, ingest.ErrUnauthorized
	}
	if s.apiKeys != nil {
		s.apiKeys.Set(fingerprint, key.AccountID, gocache.DefaultExpiration)
	}
	return model.Account{ID: key.AccountID}, nil
}

// Bootstrap makes sure an account for address owns the key rawKey
// ("<prefix>.<secret>"). It is a no-op when the key prefix already exists.
func (s *Service) Bootstrap(ctx context.Context, address, rawKey string) (model.Account, error) {
	prefix, secret, ok := strings.Cut(rawKey, keySeparator)
	if !ok || prefix == "" || secret == "" {
		return model.Account{}, fmt.Errorf("%w: malformed bootstrap key", ErrInvalidRequest)
	}
	if key, found, err := s.store.APIKeyByPrefix(ctx, prefix); err != nil {
		return model.Account{}, err
	} else if found {
		return model.Account{ID: key.AccountID}, nil
	}

	account, err := s.store.CreateAccount(ctx, address)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return model.Account{}, fmt.Errorf("bootstrap account %s exists without key %s: %w", address, prefix, err)
		}
		return model.Account{}, fmt.Errorf("create bootstrap account: %w", err)
	}
	if _, err := s.storeKey(ctx, account.ID, "bootstrap", prefix, secret); err != nil {
		return model.Account{}, err
	}
	s.logger.Info(ctx, "bootstrap account created",
		logger.Int64("account_id", account.ID),
		logger.String("address", account.Address),
		logger.String("key_prefix", prefix),
	)
	return account, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// keyFingerprint keys the resolution cache without keeping raw secrets in
// memory.
func keyFingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
