package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumchain/validator/crypto"
)

type genKeyFile struct {
	Author     string `json:"author"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

func genKeyCmd() *cobra.Command {
	var author, out string
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generates a signing key file for a new validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if author == "" {
				return fmt.Errorf("--author is required")
			}
			priv, err := crypto.GenerateKeyBytes()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			signer, err := crypto.NewSignerFromBytes(priv)
			if err != nil {
				return fmt.Errorf("restoring signer: %w", err)
			}
			verifier, err := signer.Verifier()
			if err != nil {
				return fmt.Errorf("deriving verifier: %w", err)
			}
			kf := genKeyFile{
				Author:     author,
				PrivateKey: hex.EncodeToString(priv),
				PublicKey:  hex.EncodeToString(verifier.MarshalPublicKey()),
			}
			raw, err := json.MarshalIndent(kf, "", "  ")
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(string(raw))
				return nil
			}
			return os.WriteFile(out, raw, 0o600)
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "this validator's author id")
	cmd.Flags().StringVar(&out, "out", "", "path to write the key file to (default: print to stdout)")
	return cmd
}
