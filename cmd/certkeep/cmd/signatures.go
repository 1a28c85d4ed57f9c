package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// errInvalidSignature makes verify exit non-zero without being a usage error.
var errInvalidSignature = errors.New("signature is not valid")

func readData(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func newSignDataCmd(a *app) *cobra.Command {
	var (
		dataFile string
		pw       passwordSource
	)
	cmd := &cobra.Command{
		Use:   "sign-data SUBJECT_ID",
		Short: "Sign data with a subject's stored private key",
		Long:  "Sign the bytes of --in (default stdin) and print the base64 signature.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readData(dataFile, cmd.InOrStdin())
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

			priv, err := svc.keys.PrivateKey(cmd.Context(), args[0], password.String())
			if err != nil {
				return err
			}
			sig, err := svc.signatures.Sign(data, priv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataFile, "in", "i", "", "File to sign (default stdin)")
	pw.register(cmd, "", "CERTKEEP_PASSWORD")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var (
		dataFile string
		issuerID string
		sig      string
	)
	cmd := &cobra.Command{
		Use:   "verify SUBJECT_ID --issuer ISSUER_ID --signature SIG",
		Short: "Verify a data signature and the subject's certificate chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readData(dataFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.close()

			ok, err := svc.signatures.Verify(cmd.Context(), data, strings.TrimSpace(sig), args[0], issuerID)
			if err != nil {
				return err
			}
			if !ok {
				return errInvalidSignature
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataFile, "in", "i", "", "Signed file (default stdin)")
	cmd.Flags().StringVar(&issuerID, "issuer", "", "Subject ID of the expected issuer")
	cmd.Flags().StringVar(&sig, "signature", "", "Base64 signature")
	cmd.MarkFlagRequired("issuer")    //nolint:errcheck
	cmd.MarkFlagRequired("signature") //nolint:errcheck
	return cmd
}
