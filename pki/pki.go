// Package pki builds certificate signing requests and issues X.509
// certificates from them, either self-signed or chained to an issuer
// certificate and key.
//
// Every signature produced here (CSR, self-signed and issued certificates)
// uses SHA-384 with RSA. Keys are generated through package key.
package pki

import (
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/certkeep/internal/util"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrCertificateSigning is returned when a CSR cannot be turned into a
	// certificate: malformed CSR or issuer certificate, a bad CSR signature,
	// or an issuer key the signing primitive rejects.
	ErrCertificateSigning = errors.New("certificate signing failed")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidSubject is returned when a CSR is requested for an empty
	// distinguished name.
	ErrInvalidSubject = errors.New("distinguished name has no attributes")
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCSR         = "CERTIFICATE REQUEST"

	// SignatureAlgorithm is used for CSRs and certificates alike.
	SignatureAlgorithm = x509.SHA384WithRSA
)

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// ---------------------------------------------------------------------------
// PEM parsing
// ---------------------------------------------------------------------------

// ParseCertificatePEM decodes and parses a PEM "CERTIFICATE" block.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("certificate: %w", ErrInvalidPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseCSRPEM decodes and parses a PEM "CERTIFICATE REQUEST" block.
func ParseCSRPEM(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != pemTypeCSR {
		return nil, fmt.Errorf("CSR: %w", ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return csr, nil
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}))
}

func encodeCSRPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der}))
}

// ---------------------------------------------------------------------------
// Certificate inspection
// ---------------------------------------------------------------------------

// CertificateInfo is a readable summary of a certificate.
type CertificateInfo struct {
	Subject           string `json:"subject"`
	Issuer            string `json:"issuer"`
	SerialNumber      string `json:"serial_number"`
	NotBefore         string `json:"not_before"`
	NotAfter          string `json:"not_after"`
	FingerprintSHA256 string `json:"fingerprint_sha256"`
	KeyAlgorithm      string `json:"key_algorithm"`
	SignatureAlg      string `json:"signature_algorithm"`
	Status            string `json:"status"`
	IsCA              bool   `json:"is_ca"`
	SelfSigned        bool   `json:"self_signed"`
}

// InspectCertificate parses a PEM certificate and summarises it.
func InspectCertificate(certPEM string) (*CertificateInfo, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &CertificateInfo{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		SerialNumber:      util.HexEncode(cert.SerialNumber.Bytes()),
		NotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FingerprintSHA256: util.Fingerprint(cert.Raw),
		KeyAlgorithm:      keyAlgorithmString(cert),
		SignatureAlg:      cert.SignatureAlgorithm.String(),
		Status:            certStatus(cert),
		IsCA:              cert.IsCA,
		SelfSigned:        cert.CheckSignatureFrom(cert) == nil,
	}, nil
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, atv := range name.Names {
		if atv.Type.Equal(oidEmailAddress) {
			parts = append(parts, fmt.Sprintf("emailAddress=%v", atv.Value))
		}
	}
	return strings.Join(parts, ", ")
}

// certStatus returns "active" or "expired" based on the certificate's validity window.
func certStatus(cert *x509.Certificate) string {
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
