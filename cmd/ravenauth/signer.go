package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/adapters/events"
	"github.com/raven-ecosystem/ravenauth/adapters/identity"
	"github.com/raven-ecosystem/ravenauth/config"
	"github.com/raven-ecosystem/ravenauth/signer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newSignerCmd() *cobra.Command {
	var (
		wait       time.Duration
		stay       bool
		ledger     string
		transferTo string
		amount     string
		decimals   int32
	)

	cmd := &cobra.Command{
		Use:   "signer",
		Short: "Connect to the wallet signer with the delegated identity",
		Long: "Authenticates with the PEM identity, opens the signer connection and negotiates " +
			"permissions and accounts. Optionally sends one ICRC-1 transfer through the signer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := cfg.Logger()
			if cfg.IdentityPEM == "" {
				return fmt.Errorf("an identity PEM is required (RAVENAUTH_IDENTITY_PEM)")
			}

			var req *signer.TransferRequest
			if transferTo != "" {
				req, err = transferRequest(ledger, transferTo, amount, decimals)
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			redisClient, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			if redisClient != nil {
				defer redisClient.Close()
			}
			publisher, err := newPublisher(redisClient, log.IsLevelEnabled(logrus.DebugLevel))
			if err != nil {
				return err
			}
			defer publisher.Close()
			eventPub := events.NewWatermillPublisher(publisher)

			auth := &recordingAuthenticator{Authenticator: identity.NewPEMAuthenticator(cfg.IdentityPEM)}
			session, err := signer.NewSession(
				auth,
				&signer.WebSocketOpener{Logger: log},
				signer.Options{
					URL:            cfg.SignerURL,
					Origin:         cfg.SignerOrigin,
					RequestTimeout: cfg.SignerTimeout,
					PollInterval:   cfg.SignerPollInterval,
					Logger:         log,
					OnDisconnect: func() {
						if err := eventPub.PublishSignerDisconnected(context.Background(), auth.principal()); err != nil {
							log.WithError(err).Warn("failed to publish signer disconnect")
						}
					},
				},
			)
			if err != nil {
				return err
			}
			defer session.Disconnect()

			if _, err := session.Connect(ctx); err != nil {
				return err
			}

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			result, err := session.WaitNegotiation(waitCtx)
			if err != nil {
				return fmt.Errorf("negotiation did not finish: %w", err)
			}

			fmt.Printf("State:       %s\n", session.State())
			fmt.Printf("Negotiation: %s\n", result.Outcome)
			if result.Err != nil {
				fmt.Printf("Fallback:    %v\n", result.Err)
			}
			fmt.Printf("Permissions: %t\n", result.PermissionsGranted)
			for i, acc := range result.Accounts {
				fmt.Printf("Account %d:   %s\n", i, acc.Owner)
			}

			if req != nil {
				height, err := session.ICRC1Transfer(ctx, ledger, *req)
				if err != nil {
					return err
				}
				fmt.Printf("Transferred %s at block %s\n", signer.FormatTokenAmount(req.Amount, decimals), height)
			}

			if stay {
				fmt.Println("Connected; press Ctrl+C to disconnect")
				<-ctx.Done()
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for the signer negotiation")
	cmd.Flags().BoolVar(&stay, "stay", false, "Stay connected until interrupted")
	cmd.Flags().StringVar(&ledger, "ledger", "", "Ledger canister for --transfer-to")
	cmd.Flags().StringVar(&transferTo, "transfer-to", "", "Principal to send an ICRC-1 transfer to")
	cmd.Flags().StringVar(&amount, "amount", "", "Transfer amount in whole tokens, e.g. 1.25")
	cmd.Flags().Int32Var(&decimals, "decimals", 8, "Token decimals of the ledger")

	return cmd
}

// recordingAuthenticator remembers the last authenticated principal so it
// can still be reported after the session cleared its delegation.
type recordingAuthenticator struct {
	signer.Authenticator

	mu   sync.Mutex
	last string
}

func (a *recordingAuthenticator) Authenticate(ctx context.Context, maxTTL time.Duration) (*signer.Delegation, error) {
	d, err := a.Authenticator.Authenticate(ctx, maxTTL)
	if err == nil && d != nil {
		a.mu.Lock()
		a.last = d.Principal.String()
		a.mu.Unlock()
	}
	return d, err
}

func (a *recordingAuthenticator) principal() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func transferRequest(ledger, to, amount string, decimals int32) (*signer.TransferRequest, error) {
	if ledger == "" {
		return nil, fmt.Errorf("--ledger is required with --transfer-to")
	}
	owner, err := principal.Decode(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	units, err := signer.ParseTokenAmount(amount, decimals)
	if err != nil {
		return nil, err
	}
	return &signer.TransferRequest{
		To:     signer.Account{Owner: owner},
		Amount: units,
	}, nil
}
