// Package wallet holds key-backed implementations of ports.WalletProvider.
//
// They stand in for browser wallet extensions: a wallet is "installed" when it
// holds a key, and user consent is modelled by an optional Approver.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
)

// Action names what the user is asked to approve.
type Action string

const (
	ActionConnect Action = "connect"
	ActionSign    Action = "sign"
)

// Approver asks the user for consent. A nil error approves. Any other error is
// a rejection unless it already is a *core.ProviderError, which is passed
// through as is.
type Approver func(ctx context.Context, action Action, payload string) error

// Option configures a wallet.
type Option func(*options)

type options struct {
	approver Approver
	chainID  string
}

// WithApprover installs a consent hook.
func WithApprover(a Approver) Option {
	return func(o *options) { o.approver = a }
}

// WithChainID overrides the chain id the wallet reports on Connect.
func WithChainID(id string) Option {
	return func(o *options) { o.chainID = id }
}

func buildOptions(chain core.Chain, opts []Option) options {
	o := options{chainID: chain.DefaultChainID()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) approve(ctx context.Context, chain core.Chain, action Action, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.approver == nil {
		return nil
	}
	err := o.approver(ctx, action, payload)
	if err == nil {
		return nil
	}
	var perr *core.ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	return core.ClassifyProviderError(chain, core.UserRejectedCode, err.Error())
}

func unavailable(chain core.Chain) error {
	return &core.ProviderError{Chain: chain, Message: "not installed", Kind: core.ErrProviderUnavailable}
}

// Reject is an Approver that declines everything.
func Reject(ctx context.Context, action Action, payload string) error {
	return fmt.Errorf("user declined %s", action)
}

// FromKey builds the wallet for chain from a hex encoded key: a secp256k1
// private key for Ethereum and Bitcoin, a 32-byte ed25519 seed for Solana
// and Sui.
func FromKey(chain core.Chain, keyHex string, opts ...Option) (ports.WalletProvider, error) {
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")

	switch chain {
	case core.ChainEthereum, core.ChainBitcoin:
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
		}
		if chain == core.ChainEthereum {
			return NewEthereumWallet(key, opts...), nil
		}
		return NewBitcoinWallet(key, opts...), nil

	case core.ChainSolana, core.ChainSui:
		seed, err := hex.DecodeString(keyHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid ed25519 seed: want %d hex bytes", ed25519.SeedSize)
		}
		key := ed25519.NewKeyFromSeed(seed)
		if chain == core.ChainSolana {
			return NewSolanaWallet(key, opts...), nil
		}
		return NewSuiWallet(key, opts...), nil
	}

	return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedChain, chain)
}
