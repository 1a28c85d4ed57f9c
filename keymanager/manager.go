// Package keymanager drives the lifecycle of a subject's key material:
// generation, import, issuance under an issuer, and retrieval.
//
// Each subject moves through two states, tracked by the record's pending
// flag in the KeyStore:
//
//	[absent]  --Import(pending=true)-->  [PENDING]
//	[absent]  --Import(pending=false)--> [ISSUED]
//	[PENDING] --Sign(by issuer)-------->  [ISSUED]
//
// A PENDING record holds a CSR where an ISSUED record holds a certificate.
package keymanager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/pki"
	"github.com/jmcleod/certkeep/storage"
)

// Manager implements the subject lifecycle on top of a storage.KeyStore.
// It holds no per-subject state and is safe for concurrent use.
type Manager struct {
	store      storage.KeyStore
	builder    *pki.Builder
	issuer     *pki.Issuer
	codec      *key.Codec
	logger     *zap.Logger
	expireDays int
}

// Option configures a Manager.
type Option func(*Manager)

// WithBuilder sets the CSR builder used by Generate.
func WithBuilder(b *pki.Builder) Option {
	return func(m *Manager) { m.builder = b }
}

// WithIssuer sets the certificate issuer used by Sign.
func WithIssuer(i *pki.Issuer) Option {
	return func(m *Manager) { m.issuer = i }
}

// WithCodec sets the codec used to decrypt stored private keys.
func WithCodec(c *key.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithExpireDays sets the validity, in days, of certificates issued by
// Sign. Zero leaves the choice to the Issuer's policy.
func WithExpireDays(days int) Option {
	return func(m *Manager) { m.expireDays = days }
}

// New returns a Manager persisting records in store.
func New(store storage.KeyStore, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	if m.codec == nil {
		m.codec = key.NewCodec()
	}
	if m.issuer == nil {
		m.issuer = pki.NewIssuer()
	}
	if m.builder == nil {
		m.builder = pki.NewBuilder(pki.WithCodec(m.codec), pki.WithSelfSigner(m.issuer))
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// ---------------------------------------------------------------------------
// Generate / Import
// ---------------------------------------------------------------------------

type generateOptions struct {
	selfSign       bool
	savePrivateKey bool
}

// GenerateOption configures a single Generate call.
type GenerateOption func(*generateOptions)

// SelfSign issues a self-signed certificate and stores the subject as
// ISSUED instead of PENDING.
func SelfSign() GenerateOption {
	return func(o *generateOptions) { o.selfSign = true }
}

// SavePrivateKey persists the password-encrypted private key. Without it
// the record's private key is empty and only the returned bundle holds it.
func SavePrivateKey() GenerateOption {
	return func(o *generateOptions) { o.savePrivateKey = true }
}

// Generate creates a key pair and CSR for dn and records them under
// subjectID. The full bundle, including the encrypted private key, is
// returned whether or not the key is persisted.
func (m *Manager) Generate(ctx context.Context, subjectID string, dn pki.DistinguishedName, password string, opts ...GenerateOption) (*pki.Bundle, error) {
	var o generateOptions
	for _, opt := range opts {
		opt(&o)
	}

	bundle, err := m.builder.GenerateBundle(dn, password, o.selfSign)
	if err != nil {
		return nil, err
	}

	payload := bundle.CSR
	if o.selfSign {
		payload = bundle.Certificate
	}
	var priv key.EncryptedPrivateKey
	if o.savePrivateKey {
		priv = bundle.PrivateKey
	}

	if err := m.Import(ctx, subjectID, bundle.PublicKey, payload, priv, !o.selfSign); err != nil {
		return nil, err
	}
	return bundle, nil
}

// Import stores a record for subjectID as given. The certificate or CSR is
// not validated; it is parsed later by Sign or by signature verification.
// An existing subject yields storage.ErrAlreadyExists.
func (m *Manager) Import(ctx context.Context, subjectID, publicKey, certOrCSR string, privateKey key.EncryptedPrivateKey, pendingSign bool) error {
	rec := &storage.Record{
		SubjectID:   subjectID,
		Algorithm:   storage.AlgorithmX509,
		PublicKey:   publicKey,
		PrivateKey:  string(privateKey),
		Certificate: certOrCSR,
		PendingSign: pendingSign,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("subject imported",
		zap.String("subject_id", subjectID),
		zap.Bool("pending_sign", pendingSign),
		zap.Bool("private_key_stored", !privateKey.IsEmpty()),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Sign
// ---------------------------------------------------------------------------

// Sign issues a certificate for subjectID's pending CSR under
// issuerSubjectID and stores it, moving the subject to ISSUED.
//
// The issuer key is decrypted with password: privateKeyOverride when it is
// set, otherwise the issuer's stored key. Of two concurrent calls for the
// same subject, one returns ErrNotPending.
func (m *Manager) Sign(ctx context.Context, subjectID, issuerSubjectID, password string, privateKeyOverride key.EncryptedPrivateKey) (string, error) {
	issuerKey, err := m.resolveIssuerKey(ctx, issuerSubjectID, password, privateKeyOverride)
	if err != nil {
		return "", err
	}

	pending, err := m.IsPending(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if !pending {
		return "", fmt.Errorf("%s: %w", subjectID, ErrNotPending)
	}

	csrPEM, err := m.readRequired(ctx, subjectID, storage.FieldCertificate)
	if err != nil {
		return "", err
	}
	issuerCert, err := m.readRequired(ctx, issuerSubjectID, storage.FieldCertificate)
	if err != nil {
		return "", err
	}

	certPEM, err := m.issuer.SignCSR(csrPEM, issuerCert, issuerKey, m.expireDays)
	if err != nil {
		return "", err
	}

	err = m.store.UpdateCertificate(ctx, subjectID, storage.AlgorithmX509, certPEM)
	switch {
	case errors.Is(err, storage.ErrCASFailed):
		return "", fmt.Errorf("%s: %w", subjectID, ErrNotPending)
	case errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("%s: %w", subjectID, ErrKeyNotFound)
	case err != nil:
		return "", err
	}

	m.logger.Info("certificate issued",
		zap.String("subject_id", subjectID),
		zap.String("issuer_subject_id", issuerSubjectID),
	)
	return certPEM, nil
}

func (m *Manager) resolveIssuerKey(ctx context.Context, issuerSubjectID, password string, override key.EncryptedPrivateKey) (*key.PrivateKey, error) {
	if !override.IsEmpty() {
		return m.codec.Decrypt(override, password)
	}
	return m.PrivateKey(ctx, issuerSubjectID, password)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Certificate returns the subject's certificate, or its CSR while it is
// pending.
func (m *Manager) Certificate(ctx context.Context, subjectID string) (string, error) {
	return m.readRequired(ctx, subjectID, storage.FieldCertificate)
}

// PublicKey returns the subject's public key. A stored key that does not
// parse is reported as ErrKeyNotFound.
func (m *Manager) PublicKey(ctx context.Context, subjectID string) (*key.PublicKey, error) {
	pemData, err := m.readRequired(ctx, subjectID, storage.FieldPublicKey)
	if err != nil {
		return nil, err
	}
	pub, err := key.ParsePublicKeyPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", subjectID, ErrKeyNotFound, err)
	}
	return pub, nil
}

// PrivateKey decrypts the subject's stored private key with password.
func (m *Manager) PrivateKey(ctx context.Context, subjectID, password string) (*key.PrivateKey, error) {
	enc, err := m.readRequired(ctx, subjectID, storage.FieldPrivateKey)
	if err != nil {
		return nil, err
	}
	return m.codec.Decrypt(key.EncryptedPrivateKey(enc), password)
}

// IsPending reports whether the subject still holds a CSR awaiting signature.
func (m *Manager) IsPending(ctx context.Context, subjectID string) (bool, error) {
	v, err := m.readRequired(ctx, subjectID, storage.FieldPendingSign)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// readRequired reads a field, translating a missing record or an empty
// value into ErrKeyNotFound. Other store errors pass through unchanged.
func (m *Manager) readRequired(ctx context.Context, subjectID string, field storage.Field) (string, error) {
	v, err := m.store.ReadField(ctx, subjectID, storage.AlgorithmX509, field)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", subjectID, ErrKeyNotFound)
	}
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s %s: %w", subjectID, field, ErrKeyNotFound)
	}
	return v, nil
}
