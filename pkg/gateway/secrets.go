package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/repo"
	"github.com/Mindburn-Labs/porter/pkg/vault"
)

// SecretSource yields the decrypted upstream credential for a resource.
type SecretSource interface {
	CredentialFor(ctx context.Context, id domain.ResourceID) (secret string, config map[string]string, err error)
}

// SecretReader is the repository slice VaultSecrets consumes.
type SecretReader interface {
	Get(ctx context.Context, resourceID domain.ResourceID) (*domain.ResourceSecret, error)
}

// VaultSecrets loads envelope-encrypted credentials and opens them with
// the process vault. Missing and disabled secrets are indistinguishable
// to callers.
type VaultSecrets struct {
	store SecretReader
	vault *vault.Vault
}

func NewVaultSecrets(store SecretReader, v *vault.Vault) *VaultSecrets {
	return &VaultSecrets{store: store, vault: v}
}

func (s *VaultSecrets) CredentialFor(ctx context.Context, id domain.ResourceID) (string, map[string]string, error) {
	row, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, domain.Ef(domain.KindUnknownResource, "resource %s is not available", id)
		}
		return "", nil, domain.Internal(fmt.Errorf("gateway: load secret: %w", err))
	}
	if row.Status != domain.SecretActive {
		return "", nil, domain.Ef(domain.KindUnknownResource, "resource %s is not available", id)
	}
	plain, err := s.vault.DecryptString(vault.Envelope{EncryptedKey: row.EncryptedKey, KeyIV: row.KeyIV})
	if err != nil {
		return "", nil, domain.Internal(fmt.Errorf("gateway: open secret for %s: %w", id, err))
	}
	return plain, row.Config, nil
}
