// Package signature produces detached RSA signatures over application data
// and verifies them against a subject whose certificate must chain to a
// named issuer.
//
// Signatures are RSASSA-PKCS1-v1_5 over a SHA-256 digest unless WithHash
// says otherwise. Signatures made with the OpenSSL default digest carry
// SHA-1; verifying them needs WithHash(crypto.SHA1), or signature_hash: sha1
// in the configuration.
package signature

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/pki"
)

var (
	// ErrMalformedSignature is returned when a signature is not valid base64.
	ErrMalformedSignature = errors.New("malformed signature encoding")

	// ErrMalformedCertificate is returned when the subject's certificate
	// cannot be parsed, including while it still holds a pending CSR.
	ErrMalformedCertificate = errors.New("malformed subject certificate")

	// ErrUnsupportedHash is returned for a digest name or hash the service
	// cannot use.
	ErrUnsupportedHash = errors.New("unsupported signature hash")
)

// DefaultHash is the digest signed when no WithHash option is given.
const DefaultHash = crypto.SHA256

// KeyReader is the part of the key manager the service needs.
type KeyReader interface {
	PublicKey(ctx context.Context, subjectID string) (*key.PublicKey, error)
	Certificate(ctx context.Context, subjectID string) (string, error)
}

// Service signs and verifies data. It keeps no state between calls.
type Service struct {
	keys KeyReader
	hash crypto.Hash
}

// Option configures a Service.
type Option func(*Service)

// WithHash sets the digest used by Sign and Verify. Both sides must agree.
func WithHash(h crypto.Hash) Option {
	return func(s *Service) { s.hash = h }
}

// New returns a Service reading keys and certificates through keys.
func New(keys KeyReader, opts ...Option) *Service {
	s := &Service{keys: keys, hash: DefaultHash}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseHash maps a digest name such as "sha256" to a crypto.Hash.
func ParseHash(name string) (crypto.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha1":
		return crypto.SHA1, nil
	case "sha256", "":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedHash, name)
}

func (s *Service) digest(data []byte) ([]byte, error) {
	if !s.hash.Available() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, s.hash)
	}
	h := s.hash.New()
	h.Write(data)
	return h.Sum(nil), nil
}

// Sign returns the base64 RSASSA-PKCS1-v1_5 signature of data under priv.
func (s *Service) Sign(data []byte, priv *key.PrivateKey) (string, error) {
	if priv == nil {
		return "", key.ErrKeyDestroyed
	}
	digest, err := s.digest(data)
	if err != nil {
		return "", err
	}
	sig, err := priv.Sign(rand.Reader, digest, s.hash)
	if err != nil {
		return "", fmt.Errorf("signing data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sig is subjectID's signature over data and
// subjectID's certificate was issued by issuerSubjectID.
//
// The data signature is checked first against the subject's public key; if
// it does not match, Verify returns false without looking at the
// certificate. A signature that does not match is false, not an error.
// Malformed input, missing records and store failures are errors.
func (s *Service) Verify(ctx context.Context, data []byte, sig, subjectID, issuerSubjectID string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	subjectKey, err := s.keys.PublicKey(ctx, subjectID)
	if err != nil {
		return false, err
	}
	digest, err := s.digest(data)
	if err != nil {
		return false, err
	}
	if subjectKey.VerifyPKCS1v15(s.hash, digest, raw) != nil {
		return false, nil
	}

	certPEM, err := s.keys.Certificate(ctx, subjectID)
	if err != nil {
		return false, err
	}
	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return false, fmt.Errorf("%s: %w: %v", subjectID, ErrMalformedCertificate, err)
	}
	issuerKey, err := s.keys.PublicKey(ctx, issuerSubjectID)
	if err != nil {
		return false, err
	}
	return issuedBy(cert, issuerKey), nil
}

// issuedBy checks cert's signature with pub. Only the key is compared; the
// issuer certificate's name and constraints are not consulted.
func issuedBy(cert *x509.Certificate, pub *key.PublicKey) bool {
	issuer := &x509.Certificate{
		PublicKey:          pub.Crypto(),
		PublicKeyAlgorithm: x509.RSA,
	}
	return issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}
