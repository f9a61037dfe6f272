package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ravenauth",
	Short: "Multi-chain sign-in gateway and wallet signer bridge",
	Long: "ravenauth signs users in with Ethereum, Solana, Bitcoin and Sui wallets against " +
		"Internet Computer sign-in canisters, and bridges a delegated ICP identity to a wallet signer.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (environment variables take precedence)")
}

func main() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSignInCmd())
	rootCmd.AddCommand(newDemoCmd())
	rootCmd.AddCommand(newSignerCmd())
	rootCmd.AddCommand(newNonceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
