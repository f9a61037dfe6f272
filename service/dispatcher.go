package service

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/base58"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/sirupsen/logrus"
)

// Dispatcher routes a signed message to the verifier of its chain.
type Dispatcher struct {
	verifier ports.Verifier
	log      logrus.FieldLogger
}

// NewDispatcher creates a dispatcher in front of verifier.
func NewDispatcher(verifier ports.Verifier, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{verifier: verifier, log: orDiscard(log)}
}

// VerifierEncoding is the signature encoding the verifier of chain expects.
func VerifierEncoding(chain core.Chain) core.SignatureEncoding {
	switch chain {
	case core.ChainEthereum:
		return core.EncodingHex
	case core.ChainSolana:
		return core.EncodingBase58
	}
	return core.EncodingBase64
}

// EncodeSignature renders sig in the verifier encoding of chain.
func EncodeSignature(chain core.Chain, sig *core.WalletSignature) (string, error) {
	if sig == nil || (len(sig.Raw) == 0 && sig.Encoded == "") {
		return "", errors.New("empty signature")
	}

	want := VerifierEncoding(chain)
	if sig.Encoded != "" && (sig.Encoding == want || sig.Encoding == "") {
		if want == core.EncodingHex && !strings.HasPrefix(sig.Encoded, "0x") {
			return "0x" + sig.Encoded, nil
		}
		return sig.Encoded, nil
	}

	raw := sig.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = decodeSignature(sig.Encoded, sig.Encoding); err != nil {
			return "", err
		}
	}

	switch want {
	case core.EncodingHex:
		return "0x" + hex.EncodeToString(raw), nil
	case core.EncodingBase58:
		return base58.Encode(raw), nil
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeSignature(s string, enc core.SignatureEncoding) ([]byte, error) {
	switch enc {
	case core.EncodingHex:
		return hex.DecodeString(strings.TrimPrefix(s, "0x"))
	case core.EncodingBase58:
		raw := base58.Decode(s)
		if len(raw) == 0 {
			return nil, errors.New("invalid base58 signature")
		}
		return raw, nil
	case core.EncodingBase64:
		return base64.StdEncoding.DecodeString(s)
	}
	return nil, fmt.Errorf("unknown signature encoding %q", enc)
}

// Verify submits msg and its signature to the verifier exactly once.
// Rejections come back as a *core.VerificationError. Failures to reach the
// verifier are returned unchanged.
func (d *Dispatcher) Verify(ctx context.Context, chain core.Chain, msg *core.SignInMessage, sig *core.WalletSignature) (*core.Session, error) {
	if msg == nil || msg.Chain != chain {
		return nil, &core.VerificationError{Chain: chain, Reason: "message chain mismatch"}
	}

	encoded, err := EncodeSignature(chain, sig)
	if err != nil {
		return nil, &core.VerificationError{Chain: chain, Reason: err.Error()}
	}

	log := d.log.WithFields(logrus.Fields{"chain": chain, "address": msg.Address})

	session, err := d.verifier.Verify(ctx, msg, encoded)
	if err != nil {
		var verr *core.VerificationError
		if errors.As(err, &verr) {
			log.WithError(err).Warn("verification rejected")
			return nil, verr
		}
		log.WithError(err).Error("verifier call failed")
		return nil, err
	}
	if session == nil || session.SessionID == "" {
		return nil, &core.VerificationError{Chain: chain, Reason: "empty session"}
	}

	session.Chain = chain
	return session, nil
}
