package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/daemon"
)

var (
	identityOutput string
	identityPublic string
	identityForce  bool
	identityFile   string
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Generate and inspect node identities",
}

var identityGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new identity",
	Long: `Generate a new identity and write its secret form to a file.

Examples:
  vl1 identity generate -o identity.secret
  vl1 identity generate -o identity.secret --public identity.public`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIdentityGenerate(cmd.OutOrStdout())
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the address and public form of an identity file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIdentityShow(cmd.OutOrStdout())
	},
}

func init() {
	identityGenerateCmd.Flags().StringVarP(&identityOutput, "output", "o", "identity.secret", "secret identity file")
	identityGenerateCmd.Flags().StringVar(&identityPublic, "public", "", "also write the public identity here")
	identityGenerateCmd.Flags().BoolVar(&identityForce, "force", false, "overwrite an existing file")
	identityShowCmd.Flags().StringVarP(&identityFile, "file", "f", "identity.secret", "identity file")

	identityCmd.AddCommand(identityGenerateCmd)
	identityCmd.AddCommand(identityShowCmd)
}

func runIdentityGenerate(out io.Writer) error {
	if !identityForce {
		if _, err := os.Stat(identityOutput); err == nil {
			return fmt.Errorf("%s exists, use --force to overwrite", identityOutput)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	id, err := crypto.Generate()
	if err != nil {
		return err
	}
	if err := daemon.WriteIdentityFile(identityOutput, id); err != nil {
		return err
	}
	if identityPublic != "" {
		if err := daemon.WriteIdentityFile(identityPublic, id.PublicOnly()); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "address: %s\npublic:  %s\n", id.Address, id.String())
	return nil
}

func runIdentityShow(out io.Writer) error {
	id, err := daemon.ReadIdentityFile(identityFile)
	if err != nil {
		return err
	}
	if !id.LocallyValidate() {
		return fmt.Errorf("identity %s does not validate", id.Address)
	}
	fmt.Fprintf(out, "address: %s\npublic:  %s\nsecret:  %t\n", id.Address, id.String(), id.HasSecret())
	return nil
}
