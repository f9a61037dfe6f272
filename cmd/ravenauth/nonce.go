package main

import (
	"fmt"

	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/spf13/cobra"
)

func newNonceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nonce",
		Short: "Print a fresh sign-in nonce",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(core.GenerateNonce())
		},
	}
}
