package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/raven-ecosystem/ravenauth/core"
)

// EthereumWallet signs with EIP-191 personal_sign.
type EthereumWallet struct {
	key  *ecdsa.PrivateKey
	opts options
}

// NewEthereumWallet creates the wallet. A nil key yields an unavailable wallet.
func NewEthereumWallet(key *ecdsa.PrivateKey, opts ...Option) *EthereumWallet {
	return &EthereumWallet{key: key, opts: buildOptions(core.ChainEthereum, opts)}
}

func (w *EthereumWallet) Chain() core.Chain { return core.ChainEthereum }

func (w *EthereumWallet) IsAvailable() bool { return w.key != nil }

// Address is the checksummed account address.
func (w *EthereumWallet) Address() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

func (w *EthereumWallet) Connect(ctx context.Context) (*core.WalletConnection, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainEthereum)
	}
	if err := w.opts.approve(ctx, core.ChainEthereum, ActionConnect, ""); err != nil {
		return nil, err
	}
	return &core.WalletConnection{
		Chain:     core.ChainEthereum,
		Address:   w.Address().Hex(),
		ChainID:   w.opts.chainID,
		PublicKey: crypto.CompressPubkey(&w.key.PublicKey),
	}, nil
}

// SignMessage returns a 65-byte R||S||V signature with V in {27, 28}.
func (w *EthereumWallet) SignMessage(ctx context.Context, text string) (*core.WalletSignature, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainEthereum)
	}
	if err := w.opts.approve(ctx, core.ChainEthereum, ActionSign, text); err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(text)), w.key)
	if err != nil {
		return nil, core.ClassifyProviderError(core.ChainEthereum, -32603, err.Error())
	}
	sig[crypto.RecoveryIDOffset] += 27

	return &core.WalletSignature{Raw: sig, Encoded: hexutil.Encode(sig), Encoding: core.EncodingHex}, nil
}

// RecoverEthereumAddress returns the address that produced a personal_sign
// signature over text.
func RecoverEthereumAddress(text string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(text)), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
