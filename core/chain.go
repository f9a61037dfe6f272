package core

import (
	"fmt"
	"strings"
)

// Chain identifies a wallet family that can sign in.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainSolana   Chain = "solana"
	ChainBitcoin  Chain = "bitcoin"
	ChainSui      Chain = "sui"
	ChainICP      Chain = "icp"
)

// SupportedChains lists the chains handled by the sign-in pipelines.
// ICP is deliberately absent.
func SupportedChains() []Chain {
	return []Chain{ChainEthereum, ChainSolana, ChainBitcoin, ChainSui}
}

// ParseChain parses a chain name, case-insensitively.
func ParseChain(s string) (Chain, error) {
	c := Chain(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ChainEthereum, ChainSolana, ChainBitcoin, ChainSui, ChainICP:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, s)
}

// DisplayName is the name rendered in the first line of the sign-in message.
func (c Chain) DisplayName() string {
	switch c {
	case ChainEthereum:
		return "Ethereum"
	case ChainSolana:
		return "Solana"
	case ChainBitcoin:
		return "Bitcoin"
	case ChainSui:
		return "Sui"
	case ChainICP:
		return "ICP"
	}
	return string(c)
}

// DefaultChainID is the chain id used when the caller does not choose one.
func (c Chain) DefaultChainID() string {
	switch c {
	case ChainEthereum:
		return "1"
	case ChainSolana:
		return "mainnet-beta"
	case ChainBitcoin, ChainSui:
		return "mainnet"
	}
	return ""
}

// DefaultStatement is the statement put into wallet-driven sign-in messages.
func (c Chain) DefaultStatement() string {
	return fmt.Sprintf("Sign in with %s to the Raven Ecosystem", c.DisplayName())
}

// Supported reports whether c has a sign-in pipeline.
func (c Chain) Supported() bool {
	for _, s := range SupportedChains() {
		if s == c {
			return true
		}
	}
	return false
}
