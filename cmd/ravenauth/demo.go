package main

import (
	"encoding/hex"
	"fmt"

	"github.com/raven-ecosystem/ravenauth/adapters/store"
	"github.com/raven-ecosystem/ravenauth/config"
	"github.com/raven-ecosystem/ravenauth/service"
	"github.com/spf13/cobra"
)

func newDemoCmd() *cobra.Command {
	var (
		increment bool
		reset     bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Show the demo identity and its message allowance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if increment && reset {
				return fmt.Errorf("--increment and --reset are mutually exclusive")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			demo := service.NewDemoService(store.NewFileStore(cfg.DemoStore), cfg.Logger())
			ctx := cmd.Context()

			switch {
			case reset:
				if err := demo.Reset(ctx); err != nil {
					return err
				}
			case increment:
				if _, err := demo.UseMessage(ctx); err != nil {
					return err
				}
			}

			session, err := demo.CreateDemoSession(ctx)
			if err != nil {
				return err
			}

			st := session.Status
			fmt.Printf("Demo UUID:  %s\n", session.Identity.UUID)
			fmt.Printf("Principal:  %s\n", session.Identity.Principal)
			fmt.Printf("Public key: %s\n", hex.EncodeToString(session.Identity.PublicKey))
			fmt.Printf("Messages:   %d used, %d remaining\n", st.MessagesUsed, st.MessagesRemaining)
			if st.LimitReached {
				fmt.Println("Limit reached")
			}
			if in := st.FormattedResetTime(); in != "" {
				fmt.Printf("Resets in:  %s\n", in)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&increment, "increment", false, "Use one demo message")
	cmd.Flags().BoolVar(&reset, "reset", false, "Reset the usage counter, keeping the identity")

	return cmd
}
