package pki_test

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDN = pki.DistinguishedName{
	Country:            "CA",
	Province:           "Ontario",
	Locality:           "Toronto",
	Organization:       "Company XYZ",
	OrganizationalUnit: "Dev Team",
	CommonName:         "dev.domain.com",
	Email:              "dev@domain.com",
}

func newTestBuilder(opts ...pki.IssuerOption) *pki.Builder {
	return pki.NewBuilder(
		pki.WithKeyBits(key.MinBits),
		pki.WithCodec(key.NewCodec(key.WithIterations(1000))),
		pki.WithSelfSigner(pki.NewIssuer(opts...)),
	)
}

func TestDistinguishedName(t *testing.T) {
	attrs := testDN.Attributes()
	require.Len(t, attrs, 7)
	var order []string
	for _, a := range attrs {
		order = append(order, a.Type)
	}
	assert.Equal(t, []string{"C", "ST", "L", "O", "OU", "CN", "emailAddress"}, order)

	partial := pki.DistinguishedName{CommonName: "dev.domain.com", Organization: "Company XYZ"}
	assert.Equal(t, "O=Company XYZ, CN=dev.domain.com", partial.String())
	assert.False(t, partial.IsZero())
	assert.True(t, pki.DistinguishedName{}.IsZero())
	assert.NoError(t, testDN.Validate())
	assert.ErrorIs(t, pki.DistinguishedName{}.Validate(), pki.ErrInvalidSubject)

	name := testDN.Name()
	assert.Equal(t, "dev.domain.com", name.CommonName)
	assert.Equal(t, []string{"Company XYZ"}, name.Organization)
	require.Len(t, name.ExtraNames, 1)
	assert.Equal(t, "dev@domain.com", name.ExtraNames[0].Value)
}

func TestBuildCSR(t *testing.T) {
	kp, err := key.Generate(key.MinBits)
	require.NoError(t, err)

	csrPEM, err := pki.BuildCSR(testDN, kp)
	require.NoError(t, err)
	assert.Contains(t, csrPEM, "BEGIN CERTIFICATE REQUEST")

	csr, err := pki.ParseCSRPEM(csrPEM)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, x509.SHA384WithRSA, csr.SignatureAlgorithm)
	assert.Equal(t, "dev.domain.com", csr.Subject.CommonName)
	assert.Equal(t, []string{"Ontario"}, csr.Subject.Province)

	var foundEmail bool
	for _, atv := range csr.Subject.Names {
		if atv.Type.Equal(asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}) {
			foundEmail = true
			assert.Equal(t, "dev@domain.com", atv.Value)
		}
	}
	assert.True(t, foundEmail, "expected emailAddress attribute in subject")

	_, err = pki.BuildCSR(pki.DistinguishedName{}, kp)
	assert.ErrorIs(t, err, pki.ErrInvalidSubject)

	nonASCII := testDN
	nonASCII.Email = "j\u00f6hn@example.com"
	_, err = pki.BuildCSR(nonASCII, kp)
	assert.ErrorIs(t, err, pki.ErrInvalidSubject)

	kp.Destroy()
	_, err = pki.BuildCSR(testDN, kp)
	assert.ErrorIs(t, err, key.ErrKeyDestroyed)
}

func TestGenerateBundle(t *testing.T) {
	b := newTestBuilder()

	t.Run("Pending", func(t *testing.T) {
		bundle, err := b.GenerateBundle(testDN, "password12345", false)
		require.NoError(t, err)
		assert.Contains(t, bundle.CSR, "BEGIN CERTIFICATE REQUEST")
		assert.Empty(t, bundle.Certificate)
		assert.Contains(t, string(bundle.PrivateKey), "BEGIN ENCRYPTED PRIVATE KEY")
		assert.Contains(t, bundle.PublicKey, "BEGIN PUBLIC KEY")

		priv, err := key.Decrypt(bundle.PrivateKey, "password12345")
		require.NoError(t, err)
		pub, err := key.ParsePublicKeyPEM(bundle.PublicKey)
		require.NoError(t, err)
		assert.True(t, priv.PublicKey().Equal(pub))
	})

	t.Run("SelfSigned", func(t *testing.T) {
		bundle, err := b.GenerateBundle(testDN, "adminpass12345", true)
		require.NoError(t, err)
		require.NotEmpty(t, bundle.Certificate)

		cert, err := pki.ParseCertificatePEM(bundle.Certificate)
		require.NoError(t, err)
		assert.Equal(t, x509.SHA384WithRSA, cert.SignatureAlgorithm)
		assert.Equal(t, cert.RawSubject, cert.RawIssuer)
		assert.True(t, cert.IsCA)
		assert.NoError(t, cert.CheckSignatureFrom(cert))
		assert.True(t, cert.NotAfter.Equal(pki.UnboundedNotAfter))

		pub, err := key.ParsePublicKeyPEM(bundle.PublicKey)
		require.NoError(t, err)
		assert.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))
		assert.True(t, pub.Crypto().(*rsa.PublicKey).Equal(cert.PublicKey))
	})

	t.Run("EmptySubject", func(t *testing.T) {
		_, err := b.GenerateBundle(pki.DistinguishedName{}, "pw", false)
		assert.ErrorIs(t, err, pki.ErrInvalidSubject)
	})

	t.Run("NonASCIIEmail", func(t *testing.T) {
		dn := testDN
		dn.Email = "j\u00f6hn@example.com"
		_, err := b.GenerateBundle(dn, "pw", false)
		assert.ErrorIs(t, err, pki.ErrInvalidSubject)
	})

	t.Run("EmptyPassword", func(t *testing.T) {
		_, err := b.GenerateBundle(testDN, "", false)
		assert.ErrorIs(t, err, key.ErrEmptyPassword)
	})
}

type issuerFixture struct {
	certPEM string
	key     *key.PrivateKey
}

func newRootFixture(t *testing.T, b *pki.Builder) issuerFixture {
	t.Helper()
	bundle, err := b.GenerateBundle(pki.DistinguishedName{CommonName: "Root", Organization: "Company XYZ"}, "rootpw", true)
	require.NoError(t, err)
	priv, err := key.Decrypt(bundle.PrivateKey, "rootpw")
	require.NoError(t, err)
	return issuerFixture{certPEM: bundle.Certificate, key: priv}
}

func TestSignCSR(t *testing.T) {
	b := newTestBuilder()
	root := newRootFixture(t, b)

	leaf, err := b.GenerateBundle(testDN, "leafpw", false)
	require.NoError(t, err)

	fixed := time.Date(2030, time.January, 2, 3, 4, 5, 0, time.UTC)

	t.Run("ChainsToIssuer", func(t *testing.T) {
		issuer := pki.NewIssuer()
		certPEM, err := issuer.SignCSR(leaf.CSR, root.certPEM, root.key, 0)
		require.NoError(t, err)

		cert, err := pki.ParseCertificatePEM(certPEM)
		require.NoError(t, err)
		rootCert, err := pki.ParseCertificatePEM(root.certPEM)
		require.NoError(t, err)

		assert.NoError(t, cert.CheckSignatureFrom(rootCert))
		assert.Equal(t, x509.SHA384WithRSA, cert.SignatureAlgorithm)
		assert.Equal(t, rootCert.RawSubject, cert.RawIssuer)
		assert.Equal(t, "dev.domain.com", cert.Subject.CommonName)
		assert.False(t, cert.IsCA)
		assert.True(t, cert.NotAfter.Equal(pki.UnboundedNotAfter))
	})

	t.Run("ExpireDays", func(t *testing.T) {
		issuer := pki.NewIssuer(pki.WithClock(func() time.Time { return fixed }))
		certPEM, err := issuer.SignCSR(leaf.CSR, root.certPEM, root.key, 30)
		require.NoError(t, err)
		cert, err := pki.ParseCertificatePEM(certPEM)
		require.NoError(t, err)
		assert.True(t, cert.NotBefore.Equal(fixed))
		assert.True(t, cert.NotAfter.Equal(fixed.AddDate(0, 0, 30)))
	})

	t.Run("DefaultValidityDays", func(t *testing.T) {
		issuer := pki.NewIssuer(pki.WithClock(func() time.Time { return fixed }), pki.WithDefaultValidityDays(365))
		certPEM, err := issuer.SignCSR(leaf.CSR, root.certPEM, root.key, 0)
		require.NoError(t, err)
		cert, err := pki.ParseCertificatePEM(certPEM)
		require.NoError(t, err)
		assert.True(t, cert.NotAfter.Equal(fixed.AddDate(0, 0, 365)))
	})

	t.Run("NegativeDays", func(t *testing.T) {
		_, err := pki.NewIssuer().SignCSR(leaf.CSR, root.certPEM, root.key, -1)
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)
	})

	t.Run("MalformedCSR", func(t *testing.T) {
		_, err := pki.NewIssuer().SignCSR("not a csr", root.certPEM, root.key, 0)
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)
	})

	t.Run("CertificateInsteadOfCSR", func(t *testing.T) {
		_, err := pki.NewIssuer().SignCSR(root.certPEM, root.certPEM, root.key, 0)
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)
	})

	t.Run("MalformedIssuerCertificate", func(t *testing.T) {
		_, err := pki.NewIssuer().SignCSR(leaf.CSR, leaf.CSR, root.key, 0)
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)
	})

	t.Run("KeyMismatch", func(t *testing.T) {
		other := newRootFixture(t, b)
		_, err := pki.NewIssuer().SignCSR(leaf.CSR, root.certPEM, other.key, 0)
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)
	})

	t.Run("NilKey", func(t *testing.T) {
		_, err := pki.NewIssuer().SignCSR(leaf.CSR, root.certPEM, nil, 0)
		assert.ErrorIs(t, err, pki.ErrCertificateSigning)
	})
}

func TestSelfSignRejectsForeignCSR(t *testing.T) {
	kp1, err := key.Generate(key.MinBits)
	require.NoError(t, err)
	kp2, err := key.Generate(key.MinBits)
	require.NoError(t, err)

	csrPEM, err := pki.BuildCSR(testDN, kp1)
	require.NoError(t, err)

	_, err = pki.NewIssuer().SelfSign(csrPEM, kp2)
	assert.ErrorIs(t, err, pki.ErrCertificateSigning)
}

func TestInspectCertificate(t *testing.T) {
	b := newTestBuilder()
	root := newRootFixture(t, b)

	info, err := pki.InspectCertificate(root.certPEM)
	require.NoError(t, err)
	assert.Equal(t, "O=Company XYZ, CN=Root", info.Subject)
	assert.Equal(t, info.Subject, info.Issuer)
	assert.Equal(t, "RSA 2048", info.KeyAlgorithm)
	assert.Equal(t, "SHA384-RSA", info.SignatureAlg)
	assert.Equal(t, pki.StatusActive, info.Status)
	assert.True(t, info.IsCA)
	assert.True(t, info.SelfSigned)
	assert.Len(t, info.FingerprintSHA256, 64)
	assert.NotEmpty(t, info.SerialNumber)

	_, err = pki.InspectCertificate("garbage")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestSelfSignedServerCertificate(t *testing.T) {
	tlsCert, err := pki.SelfSignedServerCertificate([]string{"ca.internal", "10.0.0.1"}, 7)
	require.NoError(t, err)
	require.Len(t, tlsCert.Certificate, 1)

	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"ca.internal"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.IPAddresses[0].String())
	assert.NoError(t, cert.VerifyHostname("ca.internal"))
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)
	assert.WithinDuration(t, cert.NotBefore.AddDate(0, 0, 7), cert.NotAfter, time.Second)
}
