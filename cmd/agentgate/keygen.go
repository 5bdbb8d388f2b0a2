package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentgate/internal/vault"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a vault master key",
	Long: `Generate a new age X25519 identity for the credential vault and print
it to stdout. Store it in a secret manager and supply it to the gateway
via the VAULT_MASTER_KEY environment variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateMasterKey()
		if err != nil {
			return fmt.Errorf("generating master key: %w", err)
		}
		fmt.Println(key)
		return nil
	},
}
