package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

// passwordSource names where a command reads a key password from. Passwords
// are never taken as flag values, which would leak into process listings.
type passwordSource struct {
	envVar string
	file   string
}

func (p *passwordSource) register(cmd *cobra.Command, prefix, envDefault string) {
	cmd.Flags().StringVar(&p.envVar, prefix+"password-env", envDefault, "Environment variable holding the password")
	cmd.Flags().StringVar(&p.file, prefix+"password-file", "", "File holding the password (overrides the environment variable)")
}

// read returns the password in a guarded buffer. The caller must Destroy it.
func (p *passwordSource) read() (*memguard.LockedBuffer, error) {
	var raw []byte
	switch {
	case p.file != "":
		b, err := os.ReadFile(p.file)
		if err != nil {
			return nil, fmt.Errorf("reading password file: %w", err)
		}
		raw = bytes.TrimRight(b, "\r\n")
		if len(raw) < len(b) {
			memguard.WipeBytes(b[len(raw):])
		}
	case p.envVar != "":
		raw = []byte(os.Getenv(p.envVar))
	}
	if len(raw) == 0 {
		return nil, errors.New("no password given: set --password-file or the password environment variable")
	}
	// NewBufferFromBytes wipes raw.
	return memguard.NewBufferFromBytes(raw), nil
}
