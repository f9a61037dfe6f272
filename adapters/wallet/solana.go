package wallet

import (
	"context"

	"github.com/decred/base58"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/raven-ecosystem/ravenauth/core"
)

// SolanaWallet signs the raw message bytes with ed25519, as signMessage does.
type SolanaWallet struct {
	key  ed25519.PrivateKey
	opts options
}

// NewSolanaWallet creates the wallet. A nil key yields an unavailable wallet.
func NewSolanaWallet(key ed25519.PrivateKey, opts ...Option) *SolanaWallet {
	return &SolanaWallet{key: key, opts: buildOptions(core.ChainSolana, opts)}
}

func (w *SolanaWallet) Chain() core.Chain { return core.ChainSolana }

func (w *SolanaWallet) IsAvailable() bool { return len(w.key) == ed25519.PrivateKeySize }

func (w *SolanaWallet) publicKey() ed25519.PublicKey {
	return w.key.Public().(ed25519.PublicKey)
}

// Address is the base58 public key.
func (w *SolanaWallet) Address() string {
	return base58.Encode(w.publicKey())
}

func (w *SolanaWallet) Connect(ctx context.Context) (*core.WalletConnection, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainSolana)
	}
	if err := w.opts.approve(ctx, core.ChainSolana, ActionConnect, ""); err != nil {
		return nil, err
	}
	return &core.WalletConnection{
		Chain:     core.ChainSolana,
		Address:   w.Address(),
		ChainID:   w.opts.chainID,
		PublicKey: w.publicKey(),
	}, nil
}

// SignMessage returns the raw 64-byte signature; encoding is left to the caller.
func (w *SolanaWallet) SignMessage(ctx context.Context, text string) (*core.WalletSignature, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainSolana)
	}
	if err := w.opts.approve(ctx, core.ChainSolana, ActionSign, text); err != nil {
		return nil, err
	}
	return &core.WalletSignature{Raw: ed25519.Sign(w.key, []byte(text)), Encoding: core.EncodingBase58}, nil
}

// VerifySolanaSignature checks sig over text against a base58 address.
func VerifySolanaSignature(address, text string, sig []byte) bool {
	pub := base58.Decode(address)
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(text), sig)
}
