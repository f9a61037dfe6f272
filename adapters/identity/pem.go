// Package identity loads the delegated identity used by the signer bridge.
package identity

import (
	"context"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/aviate-labs/agent-go/identity"
	"github.com/raven-ecosystem/ravenauth/signer"
)

// PEMAuthenticator authenticates with a secp256k1 identity stored as PEM, as
// exported by dfx.
type PEMAuthenticator struct {
	path string
	now  func() time.Time
}

func NewPEMAuthenticator(path string) *PEMAuthenticator {
	return &PEMAuthenticator{path: path, now: time.Now}
}

// Authenticate reads the identity. The delegation lasts maxTTL.
func (a *PEMAuthenticator) Authenticate(ctx context.Context, maxTTL time.Duration) (*signer.Delegation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	// The parser expects an EC PARAMETERS block followed by the key.
	params, rest := pem.Decode(data)
	if params == nil {
		return nil, fmt.Errorf("failed to parse identity %s: no PEM data", a.path)
	}
	if key, _ := pem.Decode(rest); key == nil {
		return nil, fmt.Errorf("failed to parse identity %s: missing private key block", a.path)
	}

	var id identity.Identity
	id, err = identity.NewSecp256k1IdentityFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity %s: %w", a.path, err)
	}

	return &signer.Delegation{
		Identity:  id,
		Principal: id.Sender(),
		ExpiresAt: a.now().Add(maxTTL),
	}, nil
}
