package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/certkeep/internal/config"
	"github.com/jmcleod/certkeep/internal/logger"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	envFiles   []string

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "certkeep",
		Short: "certkeep is a minimal X.509 certificate authority",
		Long: `certkeep generates RSA keys and CSRs, issues certificates under stored
issuer keys, and signs and verifies data against a subject's certificate chain.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath, a.envFiles...)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.New(cfg.Log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				a.log.Sync() //nolint:errcheck
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "dotenv files loaded before CERTKEEP_* overrides")

	root.AddCommand(
		newServerCmd(a),
		newGenerateCmd(a),
		newImportCmd(a),
		newSignCmd(a),
		newCertCmd(a),
		newPublicKeyCmd(a),
		newSignDataCmd(a),
		newVerifyCmd(a),
		newTokenCmd(a),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
