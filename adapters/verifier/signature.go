package verifier

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/decred/base58"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/raven-ecosystem/ravenauth/adapters/wallet"
	"github.com/raven-ecosystem/ravenauth/core"
)

// SignatureChecker decides whether signature is valid for address over text.
type SignatureChecker func(chain core.Chain, address, text, signature string) error

var errSignatureMismatch = errors.New("signature does not match address")

// PresenceChecker only requires a non-empty signature, which is what the
// deployed canisters check today.
func PresenceChecker(chain core.Chain, address, text, signature string) error {
	if strings.TrimSpace(signature) == "" {
		return errSignatureMismatch
	}
	return nil
}

// CryptoChecker recovers or verifies the signer for each chain's wallet
// signature format.
func CryptoChecker(chain core.Chain, address, text, signature string) error {
	switch chain {
	case core.ChainEthereum:
		sig, err := hexutil.Decode(signature)
		if err != nil {
			return err
		}
		got, err := wallet.RecoverEthereumAddress(text, sig)
		if err != nil {
			return err
		}
		if !strings.EqualFold(got.Hex(), address) {
			return errSignatureMismatch
		}

	case core.ChainSolana:
		sig := base58.Decode(signature)
		if !wallet.VerifySolanaSignature(address, text, sig) {
			return errSignatureMismatch
		}

	case core.ChainBitcoin:
		sig, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return err
		}
		got, err := wallet.RecoverBitcoinAddress(text, sig)
		if err != nil {
			return err
		}
		if got != address {
			return errSignatureMismatch
		}

	case core.ChainSui:
		sig, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return err
		}
		got, err := wallet.VerifySuiSignature(text, sig)
		if err != nil {
			return err
		}
		if !strings.EqualFold(got, address) {
			return errSignatureMismatch
		}

	default:
		return core.ErrUnsupportedChain
	}
	return nil
}
