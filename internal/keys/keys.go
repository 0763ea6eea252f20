// Package keys provides the sealing-key material used to decrypt realm
// storage. The provider is pluggable; production deployments are expected to
// back it with a hardware-rooted sealing service.
package keys

import (
	"context"

	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/log"
)

// KeySize is the dm-crypt key length in bytes.
const KeySize = 32

// SealingProvider derives the keys protecting a realm's storage.
type SealingProvider interface {
	// RealmSealingKey returns the key bound to the realm as a whole.
	RealmSealingKey() ([KeySize]byte, error)

	// ApplicationSealingKey returns the key bound to one application's
	// storage.
	ApplicationSealingKey(appID string) ([KeySize]byte, error)
}

// ProviderName selects a SealingProvider implementation in the guest
// configuration.
type ProviderName string

const (
	// InsecureStatic selects the fixed development key. It offers no
	// protection whatsoever and must never be configured in production.
	InsecureStatic ProviderName = "insecure-static"
)

// New constructs the configured provider.
func New(ctx context.Context, name ProviderName) (SealingProvider, error) {
	switch name {
	case InsecureStatic:
		log.G(ctx).Warn("using the insecure-static sealing provider; storage keys are NOT protected")
		return insecureStaticProvider{}, nil
	default:
		return nil, errors.Errorf("unknown sealing provider %q", string(name))
	}
}

// insecureStaticProvider hands out a well-known constant key. It exists so
// development guests can run without a sealing service behind them.
type insecureStaticProvider struct{}

func devKey() [KeySize]byte {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func (insecureStaticProvider) RealmSealingKey() ([KeySize]byte, error) {
	return devKey(), nil
}

func (insecureStaticProvider) ApplicationSealingKey(string) ([KeySize]byte, error) {
	return devKey(), nil
}
