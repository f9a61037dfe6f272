package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/raven-ecosystem/ravenauth/adapters/wallet"
	"github.com/raven-ecosystem/ravenauth/config"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/service"
	"github.com/spf13/cobra"
)

func newSignInCmd() *cobra.Command {
	var (
		chainName string
		keyHex    string
		domain    string
		uri       string
		chainID   string
	)

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with a key-backed wallet",
		Long: "Builds the sign-in message for the key's address, signs it and verifies it with the " +
			"configured verifier. The resulting session is printed as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := cfg.Logger()

			chain, err := core.ParseChain(chainName)
			if err != nil {
				return err
			}
			if keyHex == "" {
				keyHex = os.Getenv("RAVENAUTH_WALLET_KEY")
			}
			if keyHex == "" {
				return fmt.Errorf("a wallet key is required (--key or RAVENAUTH_WALLET_KEY)")
			}

			var opts []wallet.Option
			if chainID != "" {
				opts = append(opts, wallet.WithChainID(chainID))
			}
			w, err := wallet.FromKey(chain, keyHex, opts...)
			if err != nil {
				return err
			}

			v, err := newVerifier(cfg, log)
			if err != nil {
				return err
			}

			if domain == "" {
				domain = cfg.Domain
			}
			if uri == "" {
				uri = cfg.URI
			}

			authService := service.NewAuthService(v, nil, nil, nil, log)
			authService.RegisterWallet(w)

			result, err := authService.SignInWithChain(cmd.Context(), chain, domain, uri)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&chainName, "chain", "", "Chain to sign in with (ethereum, solana, bitcoin, sui)")
	cmd.Flags().StringVar(&keyHex, "key", "", "Hex private key (32 bytes) of the wallet")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain requesting the sign-in (default from config)")
	cmd.Flags().StringVar(&uri, "uri", "", "URI of the sign-in request (default from config)")
	cmd.Flags().StringVar(&chainID, "chain-id", "", "Chain id override")
	_ = cmd.MarkFlagRequired("chain")

	return cmd
}
