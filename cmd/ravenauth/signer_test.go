package main

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAuth struct {
	d   *signer.Delegation
	err error
}

func (a fixedAuth) Authenticate(context.Context, time.Duration) (*signer.Delegation, error) {
	return a.d, a.err
}

func TestTransferRequest(t *testing.T) {
	to := principal.Principal{Raw: []byte{1, 2, 3}}

	req, err := transferRequest("ryjl3-tyaaa-aaaaa-aaaba-cai", to.String(), "1.25", 8)
	require.NoError(t, err)
	assert.Equal(t, to, req.To.Owner)
	assert.Equal(t, big.NewInt(125_000_000), req.Amount)

	_, err = transferRequest("", to.String(), "1", 8)
	assert.ErrorContains(t, err, "--ledger")

	_, err = transferRequest("ryjl3-tyaaa-aaaaa-aaaba-cai", to.String(), "0.000000001", 8)
	assert.Error(t, err)
}

func TestRecordingAuthenticator(t *testing.T) {
	p := principal.Principal{Raw: []byte{9}}
	auth := &recordingAuthenticator{Authenticator: fixedAuth{d: &signer.Delegation{Principal: p}}}

	_, err := auth.Authenticate(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, p.String(), auth.principal())

	failing := &recordingAuthenticator{Authenticator: fixedAuth{err: errors.New("locked")}}
	_, err = failing.Authenticate(context.Background(), time.Hour)
	assert.Error(t, err)
	assert.Empty(t, failing.principal())
}
