// Package vault resolves the encoded reaction tokens the Collect workflow
// attaches to letters.
package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"superpost/pkg/errkind"
)

const DefaultBundle = "ReactionsBank"

// ErrNotFound is wrapped when a bundle or a token inside it does not exist.
var ErrNotFound = errors.New("secret not found")

// Vault returns a secret bundle: token name to base64 encoded value.
type Vault interface {
	GetSecretBundle(ctx context.Context, name string) (map[string]string, error)
}

// DefaultReactions is the reactions bank the system ships with.
func DefaultReactions() map[string]string {
	return map[string]string{
		"heartPurple": Encode("💜"),
		"heartBlue":   Encode("💙"),
		"heartYellow": Encode("💛"),
	}
}

func Encode(value string) string {
	return base64.StdEncoding.EncodeToString([]byte(value))
}

// Decode returns the plain value of token from bundle.
func Decode(bundle map[string]string, token string) (string, error) {
	raw, ok := bundle[token]
	if !ok {
		return "", errkind.NotFound("vault.decode", fmt.Errorf("token %q: %w", token, ErrNotFound))
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", errkind.Validation("vault.decode", fmt.Errorf("token %q is not base64: %w", token, err))
	}
	return string(b), nil
}

func bundleNotFound(op, name string) error {
	return errkind.NotFound(op, fmt.Errorf("bundle %q: %w", name, ErrNotFound))
}

// MemoryVault holds bundles in process.
type MemoryVault struct {
	mu      sync.RWMutex
	bundles map[string]map[string]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{bundles: make(map[string]map[string]string)}
}

func (v *MemoryVault) Put(name string, bundle map[string]string) {
	cp := make(map[string]string, len(bundle))
	for k, val := range bundle {
		cp[k] = val
	}
	v.mu.Lock()
	v.bundles[name] = cp
	v.mu.Unlock()
}

func (v *MemoryVault) GetSecretBundle(ctx context.Context, name string) (map[string]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.bundles[name]
	if !ok {
		return nil, bundleNotFound("vault.get_bundle", name)
	}
	cp := make(map[string]string, len(b))
	for k, val := range b {
		cp[k] = val
	}
	return cp, nil
}
