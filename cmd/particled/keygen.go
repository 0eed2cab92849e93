package main

import (
	"fmt"
	"os"

	"github.com/raskyld/particula/pkg/identity"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(out); err == nil && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite it", out)
		}

		kp, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := kp.WriteFile(out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), kp.PeerID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringP("out", "o", "particled.key", "Where to write the private key")
	keygenCmd.Flags().Bool("force", false, "Overwrite an existing key")
}
