package wallet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	btcbase58 "github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/raven-ecosystem/ravenauth/core"
)

const bitcoinMessageMagic = "Bitcoin Signed Message:\n"

// p2pkhVersion is the mainnet pay-to-pubkey-hash address version.
const p2pkhVersion = 0x00

// BitcoinWallet produces compact signMessage signatures for a compressed
// P2PKH key, the format legacy Bitcoin wallets return.
type BitcoinWallet struct {
	key  *ecdsa.PrivateKey
	opts options
}

// NewBitcoinWallet creates the wallet. A nil key yields an unavailable wallet.
func NewBitcoinWallet(key *ecdsa.PrivateKey, opts ...Option) *BitcoinWallet {
	return &BitcoinWallet{key: key, opts: buildOptions(core.ChainBitcoin, opts)}
}

func (w *BitcoinWallet) Chain() core.Chain { return core.ChainBitcoin }

func (w *BitcoinWallet) IsAvailable() bool { return w.key != nil }

// Address is the base58check P2PKH address of the compressed public key.
func (w *BitcoinWallet) Address() string {
	return p2pkhAddress(crypto.CompressPubkey(&w.key.PublicKey))
}

func p2pkhAddress(compressed []byte) string {
	return btcbase58.CheckEncode(btcutil.Hash160(compressed), p2pkhVersion)
}

func (w *BitcoinWallet) Connect(ctx context.Context) (*core.WalletConnection, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainBitcoin)
	}
	if err := w.opts.approve(ctx, core.ChainBitcoin, ActionConnect, ""); err != nil {
		return nil, err
	}
	return &core.WalletConnection{
		Chain:     core.ChainBitcoin,
		Address:   w.Address(),
		ChainID:   w.opts.chainID,
		PublicKey: crypto.CompressPubkey(&w.key.PublicKey),
	}, nil
}

// SignMessage returns header||R||S where header = 27 + recid + 4 (compressed).
func (w *BitcoinWallet) SignMessage(ctx context.Context, text string) (*core.WalletSignature, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainBitcoin)
	}
	if err := w.opts.approve(ctx, core.ChainBitcoin, ActionSign, text); err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(bitcoinMessageDigest(text), w.key)
	if err != nil {
		return nil, core.ClassifyProviderError(core.ChainBitcoin, -32603, err.Error())
	}

	compact := make([]byte, 65)
	compact[0] = 27 + 4 + sig[crypto.RecoveryIDOffset]
	copy(compact[1:], sig[:64])

	return &core.WalletSignature{
		Raw:      compact,
		Encoded:  base64.StdEncoding.EncodeToString(compact),
		Encoding: core.EncodingBase64,
	}, nil
}

// bitcoinMessageDigest is sha256d(varstr(magic) || varstr(text)).
func bitcoinMessageDigest(text string) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, bitcoinMessageMagic)
	_ = wire.WriteVarString(&buf, 0, text)

	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

// RecoverBitcoinAddress returns the P2PKH address that produced a compact
// signature over text.
func RecoverBitcoinAddress(text string, compact []byte) (string, error) {
	if len(compact) != 65 || compact[0] < 27 || compact[0] > 34 {
		return "", fmt.Errorf("malformed compact signature")
	}
	recID := (compact[0] - 27) & 3

	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[crypto.RecoveryIDOffset] = recID

	pub, err := crypto.SigToPub(bitcoinMessageDigest(text), sig)
	if err != nil {
		return "", err
	}
	return p2pkhAddress(crypto.CompressPubkey(pub)), nil
}
