package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/bridgekeeper/internal/signer"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out string
}

// KeyInfo describes an authority keypair.
type KeyInfo struct {
	Address string `json:"address"`
	Secret  string `json:"secret,omitempty"` // JSON byte array; omitted when written to a file
	File    string `json:"file,omitempty"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an authority keypair",
		Long: `Generate a new ed25519 authority keypair.

The secret is a JSON array of 64 byte values (seed followed by public key),
the form BURN_PROOF_AUTHORITY_SECRET_KEY expects. The address is the base58
public identity the chain program must be configured with.

Example:
  bridged keygen
  bridged keygen --out ./authority.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write the secret to this file (mode 0600) instead of stdout")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	secret, err := signer.Generate(nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to generate keypair", err)
	}
	address, err := signer.PublicKeyOf(secret)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive address", err)
	}

	info := KeyInfo{Address: address}
	text := signer.FormatSecret(secret)
	if opts.Out != "" {
		if err := os.WriteFile(opts.Out, []byte(text+"\n"), 0o600); err != nil {
			return WrapExitError(ExitCommandError, "failed to write key file", err)
		}
		info.File = opts.Out
	} else {
		info.Secret = text
	}

	out := fmt.Sprintf("Address: %s", info.Address)
	if info.File != "" {
		out += fmt.Sprintf("\nSecret written to %s", info.File)
	} else {
		out += fmt.Sprintf("\nSecret:  %s", info.Secret)
	}
	return opts.formatter(cmd).Success(info, out)
}

// PubkeyOptions holds flags for the pubkey command.
type PubkeyOptions struct {
	*RootOptions
	KeyFile string
}

// NewPubkeyCommand creates the pubkey command.
func NewPubkeyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PubkeyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the authority address",
		Long: `Print the base58 address of the configured authority key.

Example:
  BURN_PROOF_AUTHORITY_SECRET_KEY="$(cat authority.json)" bridged pubkey
  bridged pubkey --key-file ./authority.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sgn, err := loadSigner(opts.KeyFile, cfg.SecretKey)
			if err != nil {
				return err
			}
			address, err := sgn.Address()
			if err != nil {
				return WrapExitError(ExitCommandError, "authority key not loaded", err)
			}
			return opts.formatter(cmd).Success(KeyInfo{Address: address}, address)
		},
	}

	cmd.Flags().StringVar(&opts.KeyFile, "key-file", "", "file holding the authority key (overrides the environment)")

	return cmd
}

// loadSigner initializes a signer from keyFile, or from envValue when no
// file is given.
func loadSigner(keyFile, envValue string) (*signer.Signer, error) {
	text := envValue
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read key file", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return nil, NewExitError(ExitCommandError, "no authority key: set BURN_PROOF_AUTHORITY_SECRET_KEY or pass --key-file")
	}

	secret, err := signer.ParseSecret(text)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid authority key", err)
	}
	sgn := signer.New()
	if err := sgn.Initialize(secret); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid authority key", err)
	}
	return sgn, nil
}
