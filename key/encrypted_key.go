package key

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/youmark/pkcs8"

	"github.com/jmcleod/certkeep/internal/util"
)

const (
	encryptedPEMType = "ENCRYPTED PRIVATE KEY"

	// DefaultIterations is the PBKDF2 iteration count for exported keys.
	DefaultIterations = 100000

	saltSize = 16
)

// EncryptedPrivateKey is a PEM-encoded, password-protected PKCS#8 private
// key. It is the only form in which private keys are stored.
type EncryptedPrivateKey string

// IsEmpty reports whether no key material is present.
func (e EncryptedPrivateKey) IsEmpty() bool {
	return strings.TrimSpace(string(e)) == ""
}

// Codec exports and decrypts private keys. The zero value is not usable;
// construct it with NewCodec.
type Codec struct {
	iterations int
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithIterations sets the PBKDF2 iteration count used by Export.
func WithIterations(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// NewCodec returns a Codec using PBES2 with PBKDF2-HMAC-SHA512 and AES-256-CBC.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{iterations: DefaultIterations}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Export encrypts the pair's private key under password. Salt and IV are
// random per call, so two exports of the same key differ.
func (c *Codec) Export(kp *KeyPair, password string) (EncryptedPrivateKey, error) {
	if kp == nil || kp.priv == nil {
		return "", ErrKeyDestroyed
	}
	if password == "" {
		return "", ErrEmptyPassword
	}

	pw := []byte(util.Normalize(password))
	defer memguard.WipeBytes(pw)

	plain, err := x509.MarshalPKCS8PrivateKey(kp.priv)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	defer memguard.WipeBytes(plain)

	der, err := sealPBES2(plain, pw, c.iterations)
	if err != nil {
		return "", fmt.Errorf("encrypting private key: %w", err)
	}
	return EncryptedPrivateKey(pem.EncodeToMemory(&pem.Block{Type: encryptedPEMType, Bytes: der})), nil
}

// Decrypt opens an encrypted private key. Any failure, whether a wrong
// password or a corrupt encoding, is reported as ErrInvalidKeyPassword.
func (c *Codec) Decrypt(enc EncryptedPrivateKey, password string) (*PrivateKey, error) {
	return Decrypt(enc, password)
}

// Decrypt opens an encrypted private key. The KDF and cipher parameters are
// read from the encoding, so no Codec configuration is needed. Keys written
// by other tools with a different PBES2 PRF or cipher (OpenSSL defaults to
// hmacWithSHA256) are opened through pkcs8.
func Decrypt(enc EncryptedPrivateKey, password string) (*PrivateKey, error) {
	block, _ := pem.Decode([]byte(enc))
	if block == nil || block.Type != encryptedPEMType || password == "" {
		return nil, ErrInvalidKeyPassword
	}

	pw := []byte(util.Normalize(password))
	defer memguard.WipeBytes(pw)

	priv, err := openRSA(block.Bytes, pw)
	if err != nil {
		return nil, ErrInvalidKeyPassword
	}
	if err := priv.Validate(); err != nil {
		return nil, ErrInvalidKeyPassword
	}
	return &PrivateKey{priv: priv}, nil
}

func openRSA(der, pw []byte) (*rsa.PrivateKey, error) {
	plain, err := openPBES2(der, pw)
	if errors.Is(err, errOtherScheme) {
		return pkcs8.ParsePKCS8PrivateKeyRSA(der, pw)
	}
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(plain)

	parsed, err := x509.ParsePKCS8PrivateKey(plain)
	if err != nil {
		return nil, err
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return priv, nil
}
