package pki

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"time"

	"github.com/jmcleod/certkeep/internal/util"
	"github.com/jmcleod/certkeep/key"
)

// SelfSignedServerCertificate returns a throwaway TLS certificate for hosts,
// valid for the given number of days. IP literals become IP SANs. It is meant
// for serving the API when no certificate is configured.
func SelfSignedServerCertificate(hosts []string, days int) (tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	if days <= 0 {
		days = 1
	}

	kp, err := key.Generate(key.MinBits)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}

	notBefore := time.Now().UTC().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0], Organization: []string{"certkeep"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, days),
		SignatureAlgorithm:    SignatureAlgorithm,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	signer := kp.Signer()
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("creating server certificate: %w", err)
	}
	// The pair stays alive for the lifetime of the returned certificate.
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: signer}, nil
}
