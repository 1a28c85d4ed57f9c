package keymanager_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/keymanager"
	"github.com/jmcleod/certkeep/pki"
	"github.com/jmcleod/certkeep/storage"
	"github.com/jmcleod/certkeep/storage/memory"
)

var devDN = pki.DistinguishedName{CommonName: "dev.domain.com", Organization: "Company XYZ"}

const (
	rootPassword = "root-password"
	leafPassword = "leaf-password"
)

func newManager(t *testing.T, store storage.KeyStore, opts ...keymanager.Option) *keymanager.Manager {
	t.Helper()
	codec := key.NewCodec(key.WithIterations(1000))
	issuer := pki.NewIssuer()
	base := []keymanager.Option{
		keymanager.WithCodec(codec),
		keymanager.WithIssuer(issuer),
		keymanager.WithBuilder(pki.NewBuilder(
			pki.WithKeyBits(key.MinBits),
			pki.WithCodec(codec),
			pki.WithSelfSigner(issuer),
		)),
	}
	return keymanager.New(store, append(base, opts...)...)
}

// setupRootAndLeaf creates an ISSUED self-signed "root" with a stored key
// and a PENDING "leaf".
func setupRootAndLeaf(t *testing.T, m *keymanager.Manager) (root, leaf *pki.Bundle) {
	t.Helper()
	ctx := testContext(t)
	root, err := m.Generate(ctx, "root", devDN, rootPassword, keymanager.SelfSign(), keymanager.SavePrivateKey())
	require.NoError(t, err)
	leaf, err = m.Generate(ctx, "leaf", devDN, leafPassword)
	require.NoError(t, err)
	return root, leaf
}

func TestConcreteScenario(t *testing.T) {
	ctx := testContext(t)
	m := newManager(t, memory.NewStore())
	_, leaf := setupRootAndLeaf(t, m)

	pending, err := m.IsPending(ctx, "leaf")
	require.NoError(t, err)
	assert.True(t, pending)

	certPEM, err := m.Sign(ctx, "leaf", "root", rootPassword, "")
	require.NoError(t, err)
	assert.NotEmpty(t, certPEM)

	got, err := m.Certificate(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, certPEM, got)
	assert.NotEqual(t, leaf.CSR, got)

	pending, err = m.IsPending(ctx, "leaf")
	require.NoError(t, err)
	assert.False(t, pending)

	rootCertPEM, err := m.Certificate(ctx, "root")
	require.NoError(t, err)
	rootCert, err := pki.ParseCertificatePEM(rootCertPEM)
	require.NoError(t, err)
	cert, err := pki.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.NoError(t, cert.CheckSignatureFrom(rootCert))
}

func TestGenerate(t *testing.T) {
	ctx := testContext(t)
	m := newManager(t, memory.NewStore())

	t.Run("PendingWithoutPrivateKey", func(t *testing.T) {
		bundle, err := m.Generate(ctx, "s1", devDN, "pw")
		require.NoError(t, err)
		assert.Empty(t, bundle.Certificate)

		got, err := m.Certificate(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, bundle.CSR, got)

		_, err = m.PrivateKey(ctx, "s1", "pw")
		assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)

		priv, err := key.Decrypt(bundle.PrivateKey, "pw")
		require.NoError(t, err)
		pub, err := m.PublicKey(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, priv.PublicKey().Equal(pub))
	})

	t.Run("SelfSignedWithPrivateKey", func(t *testing.T) {
		bundle, err := m.Generate(ctx, "s2", devDN, "pw", keymanager.SelfSign(), keymanager.SavePrivateKey())
		require.NoError(t, err)

		pending, err := m.IsPending(ctx, "s2")
		require.NoError(t, err)
		assert.False(t, pending)

		got, err := m.Certificate(ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, bundle.Certificate, got)

		priv, err := m.PrivateKey(ctx, "s2", "pw")
		require.NoError(t, err)
		assert.Equal(t, key.MinBits, priv.Bits())

		_, err = m.PrivateKey(ctx, "s2", "wrong")
		assert.ErrorIs(t, err, key.ErrInvalidKeyPassword)
	})

	t.Run("DuplicateSubject", func(t *testing.T) {
		_, err := m.Generate(ctx, "s1", devDN, "pw")
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("EmptySubjectLeavesNoRecord", func(t *testing.T) {
		_, err := m.Generate(ctx, "s3", pki.DistinguishedName{}, "pw")
		assert.ErrorIs(t, err, pki.ErrInvalidSubject)
		_, err = m.Certificate(ctx, "s3")
		assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
	})

	t.Run("NonASCIIEmailLeavesNoRecord", func(t *testing.T) {
		dn := devDN
		dn.Email = "j\u00f6hn@example.com"
		_, err := m.Generate(ctx, "s4", dn, "pw")
		assert.ErrorIs(t, err, pki.ErrInvalidSubject)
		_, err = m.IsPending(ctx, "s4")
		assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
	})
}

func TestImport(t *testing.T) {
	ctx := testContext(t)
	store := memory.NewStore()
	m := newManager(t, store)

	// No validation happens at import time.
	require.NoError(t, m.Import(ctx, "raw", "not a key", "not a csr", "", true))
	got, err := m.Certificate(ctx, "raw")
	require.NoError(t, err)
	assert.Equal(t, "not a csr", got)

	_, err = m.PublicKey(ctx, "raw")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)

	err = m.Import(ctx, "raw", "", "", "", false)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	require.NoError(t, m.Import(ctx, "empty", "", "", "", false))
	_, err = m.Certificate(ctx, "empty")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
}

func TestAccessorsNotFound(t *testing.T) {
	ctx := testContext(t)
	m := newManager(t, memory.NewStore())

	_, err := m.Certificate(ctx, "missing")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
	_, err = m.PublicKey(ctx, "missing")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
	_, err = m.PrivateKey(ctx, "missing", "pw")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
	_, err = m.IsPending(ctx, "missing")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
}

func TestSign(t *testing.T) {
	ctx := testContext(t)

	t.Run("AlreadyIssued", func(t *testing.T) {
		m := newManager(t, memory.NewStore())
		_, leaf := setupRootAndLeaf(t, m)
		first, err := m.Sign(ctx, "leaf", "root", rootPassword, "")
		require.NoError(t, err)

		_, err = m.Sign(ctx, "leaf", "root", rootPassword, "")
		assert.ErrorIs(t, err, keymanager.ErrNotPending)

		got, err := m.Certificate(ctx, "leaf")
		require.NoError(t, err)
		assert.Equal(t, first, got)
		assert.NotEqual(t, leaf.CSR, got)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		m := newManager(t, memory.NewStore())
		_, leaf := setupRootAndLeaf(t, m)
		_, err := m.Sign(ctx, "leaf", "root", "wrong", "")
		assert.ErrorIs(t, err, key.ErrInvalidKeyPassword)

		got, err := m.Certificate(ctx, "leaf")
		require.NoError(t, err)
		assert.Equal(t, leaf.CSR, got, "failed sign must not change the record")
	})

	t.Run("MissingSubject", func(t *testing.T) {
		m := newManager(t, memory.NewStore())
		setupRootAndLeaf(t, m)
		_, err := m.Sign(ctx, "nobody", "root", rootPassword, "")
		assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
	})

	t.Run("MissingIssuer", func(t *testing.T) {
		m := newManager(t, memory.NewStore())
		setupRootAndLeaf(t, m)
		_, err := m.Sign(ctx, "leaf", "nobody", rootPassword, "")
		assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
	})

	t.Run("PrivateKeyOverride", func(t *testing.T) {
		m := newManager(t, memory.NewStore())
		// The issuer's key is not stored; the caller supplies it.
		root, err := m.Generate(ctx, "root", devDN, rootPassword, keymanager.SelfSign())
		require.NoError(t, err)
		_, err = m.Generate(ctx, "leaf", devDN, leafPassword)
		require.NoError(t, err)

		_, err = m.Sign(ctx, "leaf", "root", rootPassword, "")
		assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)

		_, err = m.Sign(ctx, "leaf", "root", "wrong", root.PrivateKey)
		assert.ErrorIs(t, err, key.ErrInvalidKeyPassword)

		certPEM, err := m.Sign(ctx, "leaf", "root", rootPassword, root.PrivateKey)
		require.NoError(t, err)
		cert, err := pki.ParseCertificatePEM(certPEM)
		require.NoError(t, err)
		rootCert, err := pki.ParseCertificatePEM(root.Certificate)
		require.NoError(t, err)
		assert.NoError(t, cert.CheckSignatureFrom(rootCert))
	})

	t.Run("IssuerStillPending", func(t *testing.T) {
		m := newManager(t, memory.NewStore())
		_, err := m.Generate(ctx, "ca", devDN, rootPassword, keymanager.SavePrivateKey())
		require.NoError(t, err)
		_, err = m.Generate(ctx, "leaf", devDN, leafPassword)
		require.NoError(t, err)

		_, err = m.Sign(ctx, "leaf", "ca", rootPassword, "")
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)

		pending, err := m.IsPending(ctx, "leaf")
		require.NoError(t, err)
		assert.True(t, pending)
	})

	t.Run("MalformedCSR", func(t *testing.T) {
		m := newManager(t, memory.NewStore())
		setupRootAndLeaf(t, m)
		require.NoError(t, m.Import(ctx, "junk", "", "garbage", "", true))
		_, err := m.Sign(ctx, "junk", "root", rootPassword, "")
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)
	})

	t.Run("ExpireDays", func(t *testing.T) {
		fixed := time.Date(2031, time.May, 1, 0, 0, 0, 0, time.UTC)
		m := newManager(t, memory.NewStore(),
			keymanager.WithIssuer(pki.NewIssuer(pki.WithClock(func() time.Time { return fixed }))),
			keymanager.WithExpireDays(90),
		)
		setupRootAndLeaf(t, m)
		certPEM, err := m.Sign(ctx, "leaf", "root", rootPassword, "")
		require.NoError(t, err)
		cert, err := pki.ParseCertificatePEM(certPEM)
		require.NoError(t, err)
		assert.True(t, cert.NotAfter.Equal(fixed.AddDate(0, 0, 90)))
	})
}

func TestSignConcurrent(t *testing.T) {
	ctx := testContext(t)
	m := newManager(t, memory.NewStore())
	setupRootAndLeaf(t, m)

	const callers = 4
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		certs []string
		lost  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := m.Sign(ctx, "leaf", "root", rootPassword, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				certs = append(certs, cert)
			case errors.Is(err, keymanager.ErrNotPending):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, certs, 1)
	assert.Equal(t, callers-1, lost)
	got, err := m.Certificate(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, certs[0], got)
}

type failingStore struct {
	storage.KeyStore
	err error
}

func (f failingStore) ReadField(context.Context, string, string, storage.Field) (string, error) {
	return "", f.err
}

func TestStoreErrorsPassThrough(t *testing.T) {
	boom := errors.New("connection reset")
	m := newManager(t, failingStore{KeyStore: memory.NewStore(), err: boom})

	_, err := m.Certificate(testContext(t), "s1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, keymanager.ErrKeyNotFound)

	_, err = m.Sign(testContext(t), "leaf", "root", "pw", "")
	assert.ErrorIs(t, err, boom)
}

func TestLoggingOmitsKeyMaterial(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := newManager(t, memory.NewStore(), keymanager.WithLogger(zap.New(core)))
	setupRootAndLeaf(t, m)
	_, err := m.Sign(testContext(t), "leaf", "root", rootPassword, "")
	require.NoError(t, err)

	require.NotZero(t, logs.Len())
	assert.Equal(t, 1, logs.FilterMessage("certificate issued").Len())
	for _, entry := range logs.All() {
		for k, v := range entry.ContextMap() {
			s, _ := v.(string)
			assert.False(t, strings.Contains(s, "BEGIN"), "field %s carries PEM data", k)
			assert.NotContains(t, s, rootPassword)
		}
	}
}
