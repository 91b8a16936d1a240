package region

import (
	"context"
	"errors"

	"superpost/internal/paramstore"
	"superpost/internal/vault"
)

const (
	defaultBucket        = "superpost-bucket"
	defaultDocumentsFile = "superpost-documents.json"
)

// DefaultParams are the parameters a fresh region starts with.
func DefaultParams(cfg Config) map[string]string {
	bucket, file := cfg.Documents.Bucket, cfg.Documents.File
	if bucket == "" {
		bucket = defaultBucket
	}
	if file == "" {
		file = defaultDocumentsFile
	}
	counter := cfg.Vault.Selector.Counter
	if counter == "" {
		counter = vault.DefaultSelectorConfig().Counter
	}
	return map[string]string{
		paramstore.ParamBucketName:       bucket,
		paramstore.ParamDocumentsFile:    file,
		paramstore.CounterParam(counter): "0",
	}
}

type vaultSeeder interface {
	Seed(ctx context.Context, name string, bundle map[string]string) error
}

// Seed writes missing parameters and, for writable vaults, the reactions
// bank. Existing values are kept.
func Seed(ctx context.Context, cfg Config, params paramstore.Store, v vault.Vault) error {
	if err := paramstore.Seed(ctx, params, DefaultParams(cfg)); err != nil {
		return err
	}
	bundle := cfg.Vault.Selector.Bundle
	if bundle == "" {
		bundle = vault.DefaultBundle
	}
	switch v := v.(type) {
	case vaultSeeder:
		return v.Seed(ctx, bundle, vault.DefaultReactions())
	case *vault.MemoryVault:
		if _, err := v.GetSecretBundle(ctx, bundle); errors.Is(err, vault.ErrNotFound) {
			v.Put(bundle, vault.DefaultReactions())
		}
	}
	return nil
}
