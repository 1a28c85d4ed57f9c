package pki

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"

	"github.com/jmcleod/certkeep/key"
)

// Bundle is the result of generating a CSR: the request, the self-signed
// certificate when one was requested, the password-protected private key
// and the PEM public key. It is handed straight to the caller.
type Bundle struct {
	CSR         string                  `json:"csr"`
	Certificate string                  `json:"certificate"`
	PrivateKey  key.EncryptedPrivateKey `json:"private_key"`
	PublicKey   string                  `json:"public_key"`
}

// Builder generates key pairs and CSRs.
type Builder struct {
	bits   int
	codec  *key.Codec
	issuer *Issuer
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithKeyBits overrides the RSA modulus size. Issued keys are 4096-bit;
// smaller sizes are for tests and tooling.
func WithKeyBits(bits int) BuilderOption {
	return func(b *Builder) {
		b.bits = bits
	}
}

// WithCodec sets the codec used to export private keys.
func WithCodec(c *key.Codec) BuilderOption {
	return func(b *Builder) {
		b.codec = c
	}
}

// WithSelfSigner sets the issuer used when a bundle is self-signed.
func WithSelfSigner(i *Issuer) BuilderOption {
	return func(b *Builder) {
		b.issuer = i
	}
}

// NewBuilder returns a Builder producing 4096-bit RSA keys.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{bits: key.DefaultBits}
	for _, opt := range opts {
		opt(b)
	}
	if b.codec == nil {
		b.codec = key.NewCodec()
	}
	if b.issuer == nil {
		b.issuer = NewIssuer()
	}
	return b
}

// Generate creates a new key pair. This is CPU-bound and may take seconds.
func (b *Builder) Generate() (*key.KeyPair, error) {
	return key.Generate(b.bits)
}

// BuildCSR encodes dn as the request subject and signs the request with
// the pair's private key.
func BuildCSR(dn DistinguishedName, kp *key.KeyPair) (string, error) {
	signer := kp.Signer()
	if signer == nil {
		return "", key.ErrKeyDestroyed
	}
	rawSubject, err := dn.rawSubject()
	if err != nil {
		return "", err
	}
	template := &x509.CertificateRequest{
		RawSubject:         rawSubject,
		SignatureAlgorithm: SignatureAlgorithm,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return "", fmt.Errorf("creating CSR: %w", err)
	}
	return encodeCSRPEM(der), nil
}

// GenerateBundle generates a key pair, builds a CSR for dn, optionally
// self-signs it, and exports the private key under password. The key pair
// is destroyed before returning.
func (b *Builder) GenerateBundle(dn DistinguishedName, password string, selfSign bool) (*Bundle, error) {
	if err := dn.Validate(); err != nil {
		return nil, err
	}

	kp, err := b.Generate()
	if err != nil {
		return nil, err
	}
	defer kp.Destroy()

	csrPEM, err := BuildCSR(dn, kp)
	if err != nil {
		return nil, err
	}

	var certPEM string
	if selfSign {
		certPEM, err = b.issuer.SelfSign(csrPEM, kp)
		if err != nil {
			return nil, err
		}
	}

	encKey, err := b.codec.Export(kp, password)
	if err != nil {
		return nil, err
	}

	pubPEM, err := kp.PublicKey().PEM()
	if err != nil {
		return nil, err
	}

	return &Bundle{
		CSR:         csrPEM,
		Certificate: certPEM,
		PrivateKey:  encKey,
		PublicKey:   pubPEM,
	}, nil
}
