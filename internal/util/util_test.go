package util

import (
	"testing"
)

func TestNormalize(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	if Normalize(composed) != Normalize(decomposed) {
		t.Errorf("expected %q and %q to normalize equally", composed, decomposed)
	}
	if Normalize("plain ascii") != "plain ascii" {
		t.Error("ASCII input should be unchanged")
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if fp != want {
		t.Errorf("expected %s, got %s", want, fp)
	}
}

func TestRandomBytes(t *testing.T) {
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(b) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b))
	}
}

func TestRandomSerial(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		n, err := RandomSerial()
		if err != nil {
			t.Fatalf("RandomSerial failed: %v", err)
		}
		if n.Sign() <= 0 {
			t.Fatalf("serial must be positive, got %s", n)
		}
		if n.BitLen() > serialBits {
			t.Fatalf("serial too large: %d bits", n.BitLen())
		}
		if seen[n.String()] {
			t.Fatalf("duplicate serial %s", n)
		}
		seen[n.String()] = true
	}
}
