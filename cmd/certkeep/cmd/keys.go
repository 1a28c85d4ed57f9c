package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/keymanager"
	"github.com/jmcleod/certkeep/pki"
)

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		dn             pki.DistinguishedName
		selfSign       bool
		savePrivateKey bool
		outDir         string
		pw             passwordSource
	)
	cmd := &cobra.Command{
		Use:   "generate SUBJECT_ID",
		Short: "Generate a key pair and CSR for a subject",
		Long: `Generate a key pair and CSR for SUBJECT_ID and store it. Without --self-sign
the subject is left pending until an issuer signs it. The encrypted private
key is always returned; it is stored only with --save-private-key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := pw.read()
			if err != nil {
				return err
			}
			defer password.Destroy()

			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			var opts []keymanager.GenerateOption
			if selfSign {
				opts = append(opts, keymanager.SelfSign())
			}
			if savePrivateKey {
				opts = append(opts, keymanager.SavePrivateKey())
			}
			bundle, err := svc.keys.Generate(cmd.Context(), args[0], dn, password.String(), opts...)
			if err != nil {
				return err
			}

			if outDir == "" {
				return writeJSONOut(cmd.OutOrStdout(), bundle)
			}
			return writeBundle(outDir, bundle)
		},
	}
	f := cmd.Flags()
	f.StringVar(&dn.Country, "country", "", "Subject country (C)")
	f.StringVar(&dn.Province, "province", "", "Subject state or province (ST)")
	f.StringVar(&dn.Locality, "locality", "", "Subject locality (L)")
	f.StringVar(&dn.Organization, "org", "", "Subject organization (O)")
	f.StringVar(&dn.OrganizationalUnit, "org-unit", "", "Subject organizational unit (OU)")
	f.StringVar(&dn.CommonName, "cn", "", "Subject common name (CN)")
	f.StringVar(&dn.Email, "email", "", "Subject email address")
	f.BoolVar(&selfSign, "self-sign", false, "Issue a self-signed CA certificate instead of leaving the subject pending")
	f.BoolVar(&savePrivateKey, "save-private-key", false, "Store the encrypted private key")
	f.StringVarP(&outDir, "out", "o", "", "Write csr.pem, cert.pem, key.pem and pub.pem to this directory instead of JSON to stdout")
	pw.register(cmd, "", "CERTKEEP_PASSWORD")
	return cmd
}

func writeBundle(dir string, b *pki.Bundle) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	files := []struct {
		name string
		data string
		mode os.FileMode
	}{
		{"csr.pem", b.CSR, 0o644},
		{"cert.pem", b.Certificate, 0o644},
		{"key.pem", string(b.PrivateKey), 0o600},
		{"pub.pem", b.PublicKey, 0o644},
	}
	for _, f := range files {
		if f.data == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.data), f.mode); err != nil {
			return err
		}
	}
	return nil
}

func newImportCmd(a *app) *cobra.Command {
	var (
		pubFile, certFile, keyFile string
		issued                     bool
	)
	cmd := &cobra.Command{
		Use:   "import SUBJECT_ID",
		Short: "Store externally produced key material for a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := readOptional(pubFile)
			if err != nil {
				return err
			}
			cert, err := readOptional(certFile)
			if err != nil {
				return err
			}
			priv, err := readOptional(keyFile)
			if err != nil {
				return err
			}

			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			if err := svc.keys.Import(cmd.Context(), args[0], pub, cert, key.EncryptedPrivateKey(priv), !issued); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", args[0])
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&pubFile, "public-key", "", "PEM public key file")
	f.StringVar(&certFile, "cert", "", "PEM certificate, or CSR unless --issued")
	f.StringVar(&keyFile, "private-key", "", "PEM encrypted private key file")
	f.BoolVar(&issued, "issued", false, "The --cert file is a finished certificate, not a CSR")
	return cmd
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newSignCmd(a *app) *cobra.Command {
	var (
		issuerID string
		keyFile  string
		pw       passwordSource
	)
	cmd := &cobra.Command{
		Use:   "sign SUBJECT_ID --issuer ISSUER_ID",
		Short: "Issue a certificate for a pending subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := readOptional(keyFile)
			if err != nil {
				return err
			}
			password, err := pw.read()
			if err != nil {
				return err
			}
			defer password.Destroy()

			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			certPEM, err := svc.keys.Sign(cmd.Context(), args[0], issuerID, password.String(), key.EncryptedPrivateKey(override))
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), certPEM)
			return err
		},
	}
	cmd.Flags().StringVar(&issuerID, "issuer", "", "Subject ID of the issuer")
	cmd.Flags().StringVar(&keyFile, "issuer-key", "", "Encrypted issuer key file to use instead of the stored key")
	cmd.MarkFlagRequired("issuer") //nolint:errcheck
	pw.register(cmd, "issuer-", "CERTKEEP_ISSUER_PASSWORD")
	return cmd
}

func newCertCmd(a *app) *cobra.Command {
	var inspect bool
	cmd := &cobra.Command{
		Use:   "cert SUBJECT_ID",
		Short: "Print a subject's certificate, or its CSR while pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			certPEM, err := svc.keys.Certificate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !inspect {
				_, err = io.WriteString(cmd.OutOrStdout(), certPEM)
				return err
			}
			info, err := pki.InspectCertificate(certPEM)
			if err != nil {
				return err
			}
			return writeJSONOut(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().BoolVar(&inspect, "inspect", false, "Print a summary of the certificate instead of PEM")
	return cmd
}

func newPublicKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "public-key SUBJECT_ID",
		Short: "Print a subject's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			pub, err := svc.keys.PublicKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pemData, err := pub.PEM()
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), pemData)
			return err
		},
	}
}
