package wallet

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/raven-ecosystem/ravenauth/core"
	"golang.org/x/crypto/blake2b"
)

// suiEd25519Flag is the signature scheme flag for ed25519 keys.
const suiEd25519Flag = 0x00

// personalMessageIntent is IntentScope::PersonalMessage, version 0, app Sui.
var personalMessageIntent = []byte{3, 0, 0}

// SuiWallet signs personal messages with an ed25519 key.
type SuiWallet struct {
	key  ed25519.PrivateKey
	opts options
}

// NewSuiWallet creates the wallet. A nil key yields an unavailable wallet.
func NewSuiWallet(key ed25519.PrivateKey, opts ...Option) *SuiWallet {
	return &SuiWallet{key: key, opts: buildOptions(core.ChainSui, opts)}
}

func (w *SuiWallet) Chain() core.Chain { return core.ChainSui }

func (w *SuiWallet) IsAvailable() bool { return len(w.key) == ed25519.PrivateKeySize }

func (w *SuiWallet) publicKey() ed25519.PublicKey {
	return w.key.Public().(ed25519.PublicKey)
}

// Address is 0x + hex(blake2b-256(flag || pubkey)).
func (w *SuiWallet) Address() string {
	return suiAddress(w.publicKey())
}

func suiAddress(pub []byte) string {
	sum := blake2b.Sum256(append([]byte{suiEd25519Flag}, pub...))
	return "0x" + hex.EncodeToString(sum[:])
}

func (w *SuiWallet) Connect(ctx context.Context) (*core.WalletConnection, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainSui)
	}
	if err := w.opts.approve(ctx, core.ChainSui, ActionConnect, ""); err != nil {
		return nil, err
	}
	return &core.WalletConnection{
		Chain:     core.ChainSui,
		Address:   w.Address(),
		ChainID:   w.opts.chainID,
		PublicKey: w.publicKey(),
	}, nil
}

// SignMessage returns the serialized signature flag || sig || pubkey, base64.
func (w *SuiWallet) SignMessage(ctx context.Context, text string) (*core.WalletSignature, error) {
	if !w.IsAvailable() {
		return nil, unavailable(core.ChainSui)
	}
	if err := w.opts.approve(ctx, core.ChainSui, ActionSign, text); err != nil {
		return nil, err
	}

	sig := ed25519.Sign(w.key, personalMessageDigest([]byte(text)))

	serialized := make([]byte, 0, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
	serialized = append(serialized, suiEd25519Flag)
	serialized = append(serialized, sig...)
	serialized = append(serialized, w.publicKey()...)

	return &core.WalletSignature{
		Raw:      serialized,
		Encoded:  base64.StdEncoding.EncodeToString(serialized),
		Encoding: core.EncodingBase64,
	}, nil
}

// personalMessageDigest hashes intent || bcs(vector<u8>) with blake2b-256.
func personalMessageDigest(msg []byte) []byte {
	lenPrefix := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenPrefix, uint64(len(msg)))

	data := make([]byte, 0, len(personalMessageIntent)+n+len(msg))
	data = append(data, personalMessageIntent...)
	data = append(data, lenPrefix[:n]...)
	data = append(data, msg...)

	sum := blake2b.Sum256(data)
	return sum[:]
}

// VerifySuiSignature checks a serialized signature over text and returns the
// signer's address.
func VerifySuiSignature(text string, serialized []byte) (string, error) {
	if len(serialized) != 1+ed25519.SignatureSize+ed25519.PublicKeySize || serialized[0] != suiEd25519Flag {
		return "", fmt.Errorf("unsupported sui signature")
	}
	sig := serialized[1 : 1+ed25519.SignatureSize]
	pub := ed25519.PublicKey(serialized[1+ed25519.SignatureSize:])

	if !ed25519.Verify(pub, personalMessageDigest([]byte(text)), sig) {
		return "", fmt.Errorf("signature mismatch")
	}
	return suiAddress(pub), nil
}
