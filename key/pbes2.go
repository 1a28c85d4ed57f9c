package key

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	_ "crypto/sha512" // KeyDigest
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"

	"github.com/jmcleod/certkeep/internal/util"
)

// PKCS#5 v2.1 / RFC 8018 identifiers.
var (
	oidPBES2          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	oidPBKDF2         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
	oidHMACWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 11}
	oidAES256CBC      = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

const (
	aes256KeySize = 32

	// maxIterations bounds the work an untrusted encoding can ask for.
	maxIterations = 10_000_000
)

// errOtherScheme marks an encoding that is valid PBES2 but not the
// PBKDF2-HMAC-SHA512 / AES-256-CBC combination written by Export.
var errOtherScheme = errors.New("not a PBKDF2-HMAC-SHA512 AES-256-CBC encoding")

type encryptedPrivateKeyInfo struct {
	Algorithm     pkix.AlgorithmIdentifier
	EncryptedData []byte
}

type pbes2Params struct {
	KeyDerivationFunc pkix.AlgorithmIdentifier
	EncryptionScheme  pkix.AlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt       []byte
	Iterations int
	KeyLength  int                      `asn1:"optional"`
	PRF        pkix.AlgorithmIdentifier `asn1:"optional"`
}

func rawParams(v any) (asn1.RawValue, error) {
	b, err := asn1.Marshal(v)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: b}, nil
}

func deriveKey(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, aes256KeySize, KeyDigest.New)
}

// sealPBES2 encrypts a DER PKCS#8 PrivateKeyInfo into a DER
// EncryptedPrivateKeyInfo.
func sealPBES2(plain, password []byte, iterations int) ([]byte, error) {
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	iv, err := util.RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}

	kdf, err := rawParams(pbkdf2Params{
		Salt:       salt,
		Iterations: iterations,
		KeyLength:  aes256KeySize,
		PRF:        pkix.AlgorithmIdentifier{Algorithm: oidHMACWithSHA512, Parameters: asn1.NullRawValue},
	})
	if err != nil {
		return nil, err
	}
	ivParam, err := rawParams(iv)
	if err != nil {
		return nil, err
	}
	scheme, err := rawParams(pbes2Params{
		KeyDerivationFunc: pkix.AlgorithmIdentifier{Algorithm: oidPBKDF2, Parameters: kdf},
		EncryptionScheme:  pkix.AlgorithmIdentifier{Algorithm: oidAES256CBC, Parameters: ivParam},
	})
	if err != nil {
		return nil, err
	}

	dk := deriveKey(password, salt, iterations)
	defer memguard.WipeBytes(dk)
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, err
	}
	padded := pad(plain, aes.BlockSize)
	defer memguard.WipeBytes(padded)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return asn1.Marshal(encryptedPrivateKeyInfo{
		Algorithm:     pkix.AlgorithmIdentifier{Algorithm: oidPBES2, Parameters: scheme},
		EncryptedData: ciphertext,
	})
}

// openPBES2 reverses sealPBES2. Encodings using any other KDF, PRF or cipher
// return errOtherScheme.
func openPBES2(der, password []byte) ([]byte, error) {
	var info encryptedPrivateKeyInfo
	rest, err := asn1.Unmarshal(der, &info)
	if err != nil {
		return nil, fmt.Errorf("parsing encrypted key: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after encrypted key")
	}
	if !info.Algorithm.Algorithm.Equal(oidPBES2) {
		return nil, errOtherScheme
	}
	var params pbes2Params
	if _, err := asn1.Unmarshal(info.Algorithm.Parameters.FullBytes, &params); err != nil {
		return nil, fmt.Errorf("parsing PBES2 parameters: %v", err)
	}
	if !params.KeyDerivationFunc.Algorithm.Equal(oidPBKDF2) || !params.EncryptionScheme.Algorithm.Equal(oidAES256CBC) {
		return nil, errOtherScheme
	}
	var kdf pbkdf2Params
	if _, err := asn1.Unmarshal(params.KeyDerivationFunc.Parameters.FullBytes, &kdf); err != nil {
		return nil, fmt.Errorf("parsing PBKDF2 parameters: %v", err)
	}
	if !kdf.PRF.Algorithm.Equal(oidHMACWithSHA512) {
		return nil, errOtherScheme
	}
	if kdf.Iterations < 1 || kdf.Iterations > maxIterations {
		return nil, fmt.Errorf("PBKDF2 iteration count %d out of range", kdf.Iterations)
	}
	if kdf.KeyLength != 0 && kdf.KeyLength != aes256KeySize {
		return nil, fmt.Errorf("PBKDF2 key length %d does not fit AES-256", kdf.KeyLength)
	}
	var iv []byte
	if _, err := asn1.Unmarshal(params.EncryptionScheme.Parameters.FullBytes, &iv); err != nil || len(iv) != aes.BlockSize {
		return nil, errors.New("invalid AES-CBC IV")
	}
	if len(info.EncryptedData) == 0 || len(info.EncryptedData)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}

	dk := deriveKey(password, kdf.Salt, kdf.Iterations)
	defer memguard.WipeBytes(dk)
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(info.EncryptedData))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, info.EncryptedData)
	out, err := unpad(plain, aes.BlockSize)
	if err != nil {
		memguard.WipeBytes(plain)
		return nil, err
	}
	return out, nil
}

// pad applies PKCS#7 padding.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}
