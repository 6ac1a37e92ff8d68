package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/graphide/graphide/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <api-key>",
	Short: "Print the SHA-256 hash of an API key for config.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey := args[0]
		keyHash := auth.HashAPIKey(apiKey)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "SHA-256 Hash: %s\n", keyHash)
		fmt.Fprintln(out, "\nAdd this to your config.yaml:")
		fmt.Fprintf(out, "auth:\n")
		fmt.Fprintf(out, "  enabled: true\n")
		fmt.Fprintf(out, "  api_keys:\n")
		fmt.Fprintf(out, "    - key_hash: \"%s\"\n", keyHash)
		fmt.Fprintf(out, "      description: \"Generated key\"\n")
		return nil
	},
}
