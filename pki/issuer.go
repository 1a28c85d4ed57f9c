package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jmcleod/certkeep/internal/util"
	"github.com/jmcleod/certkeep/key"
)

// UnboundedNotAfter is the RFC 5280 GeneralizedTime 99991231235959Z used for
// certificates that have no well-defined expiration date.
var UnboundedNotAfter = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Issuer turns CSRs into certificates. It holds no key material and never
// touches storage.
type Issuer struct {
	// defaultDays is the validity applied when a caller passes expireDays == 0.
	// Zero means certificates are issued without an expiry constraint.
	defaultDays int
	now         func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithDefaultValidityDays makes an expireDays of 0 mean days instead of
// unbounded validity.
func WithDefaultValidityDays(days int) IssuerOption {
	return func(i *Issuer) {
		if days > 0 {
			i.defaultDays = days
		}
	}
}

// WithClock sets the time source for NotBefore.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer returns an Issuer. Without options, expireDays == 0 yields
// certificates valid until UnboundedNotAfter.
func NewIssuer(opts ...IssuerOption) *Issuer {
	i := &Issuer{now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Issuer) validity(expireDays int) (time.Time, time.Time, error) {
	if expireDays < 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: negative validity %d days", ErrCertificateSigning, expireDays)
	}
	notBefore := i.now().UTC().Truncate(time.Second)
	days := expireDays
	if days == 0 {
		days = i.defaultDays
	}
	if days == 0 {
		return notBefore, UnboundedNotAfter, nil
	}
	return notBefore, notBefore.AddDate(0, 0, days), nil
}

// SelfSign issues a certificate for csrPEM whose issuer is its own subject,
// signed by the pair that created the request. The certificate is marked as
// a CA so it can sign other requests.
func (i *Issuer) SelfSign(csrPEM string, kp *key.KeyPair) (string, error) {
	signer := kp.Signer()
	if signer == nil {
		return "", key.ErrKeyDestroyed
	}
	csr, err := parseCheckedCSR(csrPEM)
	if err != nil {
		return "", err
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(csr.PublicKey) {
		return "", fmt.Errorf("%w: CSR was not created by this key pair", ErrCertificateSigning)
	}

	notBefore, notAfter, err := i.validity(0)
	if err != nil {
		return "", err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return "", err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		RawSubject:            csr.RawSubject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		SignatureAlgorithm:    SignatureAlgorithm,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, csr.PublicKey, signer)
	if err != nil {
		return "", fmt.Errorf("%w: self-signing: %v", ErrCertificateSigning, err)
	}
	return encodeCertPEM(der), nil
}

// SignCSR issues a certificate for csrPEM under issuerCertPEM, signed with
// issuerKey. expireDays of 0 applies the Issuer's default policy.
func (i *Issuer) SignCSR(csrPEM, issuerCertPEM string, issuerKey crypto.Signer, expireDays int) (string, error) {
	if issuerKey == nil {
		return "", fmt.Errorf("%w: no issuer key", ErrCertificateSigning)
	}
	issuerCert, err := ParseCertificatePEM(issuerCertPEM)
	if err != nil {
		return "", fmt.Errorf("%w: issuer %v", ErrCertificateSigning, err)
	}
	csr, err := parseCheckedCSR(csrPEM)
	if err != nil {
		return "", err
	}

	notBefore, notAfter, err := i.validity(expireDays)
	if err != nil {
		return "", err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return "", err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		RawSubject:            csr.RawSubject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		SignatureAlgorithm:    SignatureAlgorithm,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		EmailAddresses:        csr.EmailAddresses,
		IPAddresses:           csr.IPAddresses,
		URIs:                  csr.URIs,
	}

	// CreateCertificate rejects an issuerKey that does not match issuerCert.
	der, err := x509.CreateCertificate(rand.Reader, template, issuerCert, csr.PublicKey, issuerKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCertificateSigning, err)
	}
	return encodeCertPEM(der), nil
}

func parseCheckedCSR(csrPEM string) (*x509.CertificateRequest, error) {
	csr, err := ParseCSRPEM(csrPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateSigning, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR signature invalid: %v", ErrCertificateSigning, err)
	}
	return csr, nil
}
