// Package key provides RSA key pairs, opaque private/public key handles and
// password-protected PKCS#8 export of private keys.
//
// A usable *PrivateKey can only be obtained by decrypting an
// EncryptedPrivateKey with its password. Freshly generated key material lives
// in a KeyPair, which can sign (for CSR and self-signing) and be exported, but
// never hands out the raw key.
package key

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultBits is the RSA modulus size used for every key issued by this CA.
	DefaultBits = 4096

	// MinBits is the smallest modulus Generate accepts.
	MinBits = 2048

	// KeyDigest is the hash family bound to the key-generation step. It is the
	// PRF of the PBKDF2 derivation that protects exported private keys.
	KeyDigest = crypto.SHA512
)

var (
	// ErrInvalidKeyPassword is returned when a private key cannot be decrypted,
	// either because the password is wrong or the encoding is corrupt.
	ErrInvalidKeyPassword = errors.New("invalid password for private key")

	// ErrEmptyPassword is returned when exporting a private key without a password.
	ErrEmptyPassword = errors.New("private key password must not be empty")

	// ErrInvalidPublicKey is returned when PEM data does not hold an RSA public key.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrKeyDestroyed is returned when a destroyed KeyPair is used.
	ErrKeyDestroyed = errors.New("key pair destroyed")
)

// KeyPair is freshly generated, in-memory key material. It is owned by the
// operation that generated it until exported.
type KeyPair struct {
	priv *rsa.PrivateKey
}

// Generate creates a new RSA key pair of the given modulus size.
func Generate(bits int) (*KeyPair, error) {
	return generate(rand.Reader, bits)
}

func generate(r io.Reader, bits int) (*KeyPair, error) {
	if bits < MinBits {
		return nil, fmt.Errorf("RSA key size %d below minimum %d", bits, MinBits)
	}
	priv, err := rsa.GenerateKey(r, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA-%d key: %w", bits, err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the public half of the pair.
func (kp *KeyPair) PublicKey() *PublicKey {
	if kp == nil || kp.priv == nil {
		return nil
	}
	return &PublicKey{pub: &kp.priv.PublicKey}
}

// Signer returns a crypto.Signer backed by the pair's private key. The
// signer does not expose the key itself.
func (kp *KeyPair) Signer() crypto.Signer {
	if kp == nil || kp.priv == nil {
		return nil
	}
	return pairSigner{priv: kp.priv}
}

// Bits returns the modulus size of the pair.
func (kp *KeyPair) Bits() int {
	if kp == nil || kp.priv == nil {
		return 0
	}
	return kp.priv.N.BitLen()
}

// Destroy drops the reference to the private key. Afterwards PublicKey and
// Signer return nil, and Export and CSR building fail with ErrKeyDestroyed.
// Destroying a nil or already destroyed pair is a no-op.
func (kp *KeyPair) Destroy() {
	if kp == nil {
		return
	}
	kp.priv = nil
}

type pairSigner struct {
	priv *rsa.PrivateKey
}

func (s pairSigner) Public() crypto.PublicKey {
	return s.priv.Public()
}

func (s pairSigner) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.priv.Sign(r, digest, opts)
}

// PrivateKey is a decrypted private key handle. It is only produced by
// Codec.Decrypt and has no serialised form.
type PrivateKey struct {
	priv *rsa.PrivateKey
}

var _ crypto.Signer = (*PrivateKey)(nil)

// Public implements crypto.Signer.
func (k *PrivateKey) Public() crypto.PublicKey {
	return k.priv.Public()
}

// Sign implements crypto.Signer.
func (k *PrivateKey) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.priv.Sign(r, digest, opts)
}

// PublicKey returns the public half of the key.
func (k *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{pub: &k.priv.PublicKey}
}

// Bits returns the modulus size.
func (k *PrivateKey) Bits() int {
	return k.priv.N.BitLen()
}

// PublicKey is a parsed RSA public key handle.
type PublicKey struct {
	pub *rsa.PublicKey
}

// ParsePublicKeyPEM parses a PKIX "PUBLIC KEY" or PKCS#1 "RSA PUBLIC KEY"
// PEM block.
func ParsePublicKeyPEM(pemData string) (*PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPublicKey)
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
		}
		return &PublicKey{pub: pub}, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return &PublicKey{pub: pub}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPublicKey, block.Type)
	}
}

// PEM encodes the key as a PKIX "PUBLIC KEY" block.
func (p *PublicKey) PEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(p.pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Crypto returns the key as a crypto.PublicKey for use with crypto/x509.
func (p *PublicKey) Crypto() crypto.PublicKey {
	return p.pub
}

// Equal reports whether p and o hold the same key.
func (p *PublicKey) Equal(o *PublicKey) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.pub.Equal(o.pub)
}

// Bits returns the modulus size.
func (p *PublicKey) Bits() int {
	return p.pub.N.BitLen()
}

// VerifyPKCS1v15 checks an RSASSA-PKCS1-v1_5 signature over digest.
func (p *PublicKey) VerifyPKCS1v15(hash crypto.Hash, digest, sig []byte) error {
	return rsa.VerifyPKCS1v15(p.pub, hash, digest, sig)
}
