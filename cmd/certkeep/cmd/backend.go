package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/certkeep/internal/config"
	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/keymanager"
	"github.com/jmcleod/certkeep/pki"
	"github.com/jmcleod/certkeep/signature"
	"github.com/jmcleod/certkeep/storage"
	bboltstorage "github.com/jmcleod/certkeep/storage/bbolt"
	"github.com/jmcleod/certkeep/storage/memory"
	pgstorage "github.com/jmcleod/certkeep/storage/postgres"
	redisstorage "github.com/jmcleod/certkeep/storage/redis"
)

// openStore opens the configured KeyStore. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (storage.KeyStore, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return memory.NewStore(), func() {}, nil
	case config.DriverBBolt:
		if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		s, err := bboltstorage.NewStoreFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverPostgres:
		s, err := pgstorage.NewStoreFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverRedis:
		s, err := redisstorage.NewStoreFromAddr(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.DB, cfg.Storage.Redis.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// keyBits is the modulus size of generated keys. It is not configurable;
// tests lower it to keep key generation fast.
var keyBits = key.DefaultBits

// services wires the key manager and signature service from configuration.
type services struct {
	keys       *keymanager.Manager
	signatures *signature.Service
	close      func()
}

func (a *app) services(ctx context.Context) (*services, error) {
	store, closeStore, err := openStore(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	hash, err := signature.ParseHash(a.cfg.PKI.SignatureHash)
	if err != nil {
		closeStore()
		return nil, err
	}

	codec := key.NewCodec(key.WithIterations(a.cfg.PKI.KDFIterations))
	issuer := pki.NewIssuer(pki.WithDefaultValidityDays(a.cfg.PKI.DefaultValidityDays))
	km := keymanager.New(store,
		keymanager.WithCodec(codec),
		keymanager.WithIssuer(issuer),
		keymanager.WithBuilder(pki.NewBuilder(
			pki.WithKeyBits(keyBits),
			pki.WithCodec(codec),
			pki.WithSelfSigner(issuer),
		)),
		keymanager.WithLogger(a.log),
	)
	return &services{
		keys:       km,
		signatures: signature.New(km, signature.WithHash(hash)),
		close:      closeStore,
	}, nil
}
