package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// serialBits is the size of certificate serial numbers. RFC 5280 caps serials
// at 20 octets; 128 bits stays well below while remaining unguessable.
const serialBits = 128

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomSerial returns a positive random certificate serial number.
func RandomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	if n.Sign() == 0 {
		n.SetInt64(1)
	}
	return n, nil
}
