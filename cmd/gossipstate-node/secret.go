package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DobryySoul/gossipstate"
)

func secretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Generates a new identity secret and prints its public key and address",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			secret, err := gossipstate.GenerateSecret()
			if err != nil {
				return err
			}
			publicKey, address, err := gossipstate.DeriveIdentity(secret)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "secret:     %s\n", secret)
			fmt.Fprintf(out, "public key: %s\n", publicKey)
			fmt.Fprintf(out, "address:    %s\n", address)
			return nil
		},
	}
}
