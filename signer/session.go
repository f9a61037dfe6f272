// Package signer implements the wallet signer bridge: a session that
// authenticates with a delegated identity, opens a signer window and speaks
// ICRC JSON-RPC with it.
package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aviate-labs/agent-go/identity"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/sirupsen/logrus"
)

// State of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedNoSigner
	StateConnectedWithSigner
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedNoSigner:
		return "connected_no_signer"
	case StateConnectedWithSigner:
		return "connected_with_signer"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Delegation is the outcome of the delegated identity flow.
type Delegation struct {
	Identity  identity.Identity
	Principal principal.Principal
	ExpiresAt time.Time
}

// Authenticator runs the delegated identity flow.
type Authenticator interface {
	Authenticate(ctx context.Context, maxTTL time.Duration) (*Delegation, error)
}

// Window is an open signer window.
type Window interface {
	PostMessage(data []byte) error
	Closed() bool
	Close() error
}

// WindowRequest describes the window to open.
type WindowRequest struct {
	URL      string
	Name     string
	Features string
}

// Opener opens signer windows. deliver must be called for every inbound
// message until the window is closed.
type Opener interface {
	Open(ctx context.Context, req WindowRequest, deliver func(MessageEvent)) (Window, error)
}

// Outcome of the permission and account negotiation.
type Outcome int

const (
	OutcomeNegotiated Outcome = iota + 1
	OutcomeFallbackToPrincipal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNegotiated:
		return "negotiated"
	case OutcomeFallbackToPrincipal:
		return "fallback_to_principal"
	}
	return "pending"
}

// NegotiationResult reports how the background negotiation ended. Err tells
// why it fell back; it is nil when negotiated.
type NegotiationResult struct {
	Outcome            Outcome
	PermissionsGranted bool
	Accounts           []core.IcrcAccount
	Err                error
}

var errNoAccounts = errors.New("signer returned no accounts")

// Session is one connection to a signer. It is safe for concurrent use.
type Session struct {
	opts    Options
	origin  string
	auth    Authenticator
	opener  Opener
	log     logrus.FieldLogger
	pending *pendingTable

	mu         sync.Mutex
	state      State
	window     Window
	delegation *Delegation
	accounts   []core.IcrcAccount
	stop       chan struct{}
	cancel     context.CancelFunc
	negotiated chan struct{}
	result     NegotiationResult
	wg         sync.WaitGroup
}

// NewSession creates a disconnected session.
func NewSession(auth Authenticator, opener Opener, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	originURL := opts.Origin
	if originURL == "" {
		originURL = opts.URL
	}
	origin, err := OriginOf(originURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signer origin: %w", err)
	}

	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	s := &Session{
		opts:    opts,
		origin:  origin,
		auth:    auth,
		opener:  opener,
		log:     log.WithField("component", "signer"),
		pending: newPendingTable(opts.Metrics),
	}
	opts.Metrics.setState(StateDisconnected)
	return s, nil
}

func (s *Session) setState(st State) {
	if s.state != st {
		s.log.WithFields(logrus.Fields{"from": s.state.String(), "state": st.String()}).Info("signer state changed")
	}
	s.state = st
	s.opts.Metrics.setState(st)
}

// Connect authenticates and moves to ConnectedNoSigner. The signer window is
// opened and negotiated with in the background; Connect never waits for the
// signer. Use WaitNegotiation for the outcome.
func (s *Session) Connect(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return false, fmt.Errorf("signer: cannot connect while %s", st)
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	d, err := s.auth.Authenticate(ctx, MaxDelegationTTL)
	if err == nil && d == nil {
		err = errors.New("no delegation returned")
	}
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.setState(StateDisconnected)
		}
		s.mu.Unlock()
		return false, fmt.Errorf("authentication failed: %w", err)
	}

	bg, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		cancel()
		return false, core.ErrNotConnected
	}
	s.delegation = d
	s.accounts = []core.IcrcAccount{{Owner: d.Principal}}
	s.stop = stop
	s.cancel = cancel
	s.negotiated = done
	s.result = NegotiationResult{}
	s.setState(StateConnectedNoSigner)
	s.wg.Add(1)
	go s.open(bg, stop, done)
	s.mu.Unlock()

	s.log.WithField("principal", d.Principal.String()).Info("authenticated with delegated identity")
	return true, nil
}

// open opens the signer window and then negotiates over it. Failing to open
// ends the negotiation with OutcomeFallbackToPrincipal.
func (s *Session) open(ctx context.Context, stop chan struct{}, done chan struct{}) {
	defer s.wg.Done()

	win, err := s.opener.Open(ctx, WindowRequest{
		URL:      s.opts.URL,
		Name:     DefaultWindowName,
		Features: s.opts.Window.FeatureString(s.opts.Screen),
	}, s.HandleMessage)
	if err != nil {
		s.log.WithError(err).Info("signer window not available, using delegated identity only")
		s.finishNegotiation(done, NegotiationResult{
			Outcome:  OutcomeFallbackToPrincipal,
			Accounts: s.Accounts(),
			Err:      fmt.Errorf("%w: %v", core.ErrSignerUnavailable, err),
		})
		return
	}

	s.mu.Lock()
	if s.stop != stop {
		// Disconnected while the window was opening.
		s.mu.Unlock()
		_ = win.Close()
		return
	}
	s.window = win
	s.wg.Add(1)
	go s.poll(stop, win)
	s.mu.Unlock()

	s.negotiate(ctx, stop, done)
}

// WaitNegotiation blocks until the background negotiation of the current
// connection has finished.
func (s *Session) WaitNegotiation(ctx context.Context) (NegotiationResult, error) {
	s.mu.Lock()
	done := s.negotiated
	s.mu.Unlock()
	if done == nil {
		return NegotiationResult{}, core.ErrNotConnected
	}

	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil
	case <-ctx.Done():
		return NegotiationResult{}, ctx.Err()
	}
}

func (s *Session) finishNegotiation(done chan struct{}, res NegotiationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiated != done {
		return
	}
	select {
	case <-done:
		return
	default:
	}
	s.result = res
	close(done)
}

func (s *Session) negotiate(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	if s.opts.HandshakeDelay > 0 {
		t := time.NewTimer(s.opts.HandshakeDelay)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return
		}
	}

	fallback := func(granted bool, err error) {
		s.log.WithError(err).Warn("signer negotiation fell back to the delegated principal")
		s.finishNegotiation(done, NegotiationResult{
			Outcome:            OutcomeFallbackToPrincipal,
			PermissionsGranted: granted,
			Accounts:           s.Accounts(),
			Err:                err,
		})
	}

	if _, err := s.Status(ctx); err != nil {
		fallback(false, err)
		return
	}

	s.mu.Lock()
	if s.state == StateConnectedNoSigner {
		s.setState(StateConnectedWithSigner)
	}
	s.mu.Unlock()

	perms, err := s.RequestPermissions(ctx)
	if err != nil {
		s.log.WithError(err).Debug("permission request failed")
	}

	accounts, err := s.RequestAccounts(ctx)
	if err == nil && len(accounts) == 0 {
		err = errNoAccounts
	}
	if err != nil {
		fallback(perms.AllGranted, err)
		return
	}

	s.mu.Lock()
	if s.stop == stop {
		s.accounts = accounts
	}
	s.mu.Unlock()

	s.finishNegotiation(done, NegotiationResult{
		Outcome:            OutcomeNegotiated,
		PermissionsGranted: perms.AllGranted,
		Accounts:           copyAccounts(accounts),
	})
}

func (s *Session) poll(stop <-chan struct{}, win Window) {
	defer s.wg.Done()

	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if win.Closed() {
				s.log.Info("signer window was closed")
				s.teardown()
				return
			}
		}
	}
}

// teardown returns to Disconnected. It is idempotent and never waits for the
// session goroutines.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.stop == nil && s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == StateConnectedNoSigner || s.state == StateConnectedWithSigner

	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	win := s.window
	s.window = nil
	s.delegation = nil
	s.accounts = nil
	if done := s.negotiated; done != nil {
		select {
		case <-done:
		default:
			s.result = NegotiationResult{Outcome: OutcomeFallbackToPrincipal, Err: core.ErrNotConnected}
			close(done)
		}
	}
	s.setState(StateDisconnected)
	s.mu.Unlock()

	s.pending.failAll(core.ErrNotConnected)
	if win != nil && !win.Closed() {
		if err := win.Close(); err != nil {
			s.log.WithError(err).Debug("failed to close signer window")
		}
	}
	if wasConnected && s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect()
	}
}

// Disconnect closes the window, clears the cached identity and accounts and
// waits for the session goroutines to stop. It must not be called from
// OnDisconnect.
func (s *Session) Disconnect() {
	s.teardown()
	s.wg.Wait()
}

// HandleMessage accepts one inbound message. Messages from any origin but the
// signer's, malformed envelopes and responses nobody waits for are dropped.
func (s *Session) HandleMessage(ev MessageEvent) {
	if origin, err := OriginOf(ev.Origin); err != nil || origin != s.origin {
		s.opts.Metrics.drop("origin")
		s.log.WithField("origin", ev.Origin).WithError(core.ErrOriginRejected).Debug("dropping signer message")
		return
	}

	var resp Response
	if err := json.Unmarshal(ev.Data, &resp); err != nil || resp.JSONRPC != jsonRPCVersion || resp.ID == "" {
		s.opts.Metrics.drop("malformed")
		return
	}

	if !s.pending.resolve(resp.ID, outcome{resp: &resp}) {
		s.opts.Metrics.drop("unmatched")
		s.log.WithField("request_id", resp.ID).Debug("no pending request for response")
	}
}

// call sends one request and waits for the first of response, timeout and
// ctx. The losing paths are no-ops.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	win := s.window
	s.mu.Unlock()
	if win == nil || win.Closed() {
		s.opts.Metrics.request(method, "unavailable")
		return nil, core.ErrSignerUnavailable
	}

	id := s.pending.nextID(time.Now())
	ch := s.pending.register(id)

	data, err := json.Marshal(Request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		s.pending.remove(id)
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	log := s.log.WithFields(logrus.Fields{"request_id": id, "method": method})
	log.Debug("sending signer request")

	if err := win.PostMessage(data); err != nil {
		s.pending.remove(id)
		s.opts.Metrics.request(method, "unavailable")
		return nil, fmt.Errorf("%w: %v", core.ErrSignerUnavailable, err)
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-ch:
	case <-timer.C:
		if s.pending.remove(id) {
			s.opts.Metrics.request(method, "timeout")
			log.Debug("signer request timed out")
			return nil, fmt.Errorf("%s: %w", method, core.ErrRequestTimeout)
		}
		o = <-ch
	case <-ctx.Done():
		if s.pending.remove(id) {
			s.opts.Metrics.request(method, "canceled")
			return nil, ctx.Err()
		}
		o = <-ch
	}

	if o.err != nil {
		s.opts.Metrics.request(method, "disconnected")
		return nil, o.err
	}
	if o.resp.Error != nil {
		s.opts.Metrics.request(method, "error")
		return nil, o.resp.Error
	}
	s.opts.Metrics.request(method, "ok")
	return o.resp.Result, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is authenticated and its signer
// window is still open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	connected := s.state == StateConnectedNoSigner || s.state == StateConnectedWithSigner
	return connected && s.window != nil && !s.window.Closed()
}

// Accounts returns a copy of the known accounts.
func (s *Session) Accounts() []core.IcrcAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAccounts(s.accounts)
}

// Principal returns the authenticated principal.
func (s *Session) Principal() (principal.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delegation == nil {
		return principal.Principal{}, false
	}
	return s.delegation.Principal, true
}

// Identity returns the delegated identity, nil when disconnected.
func (s *Session) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delegation == nil {
		return nil
	}
	return s.delegation.Identity
}

// SignerURL returns the configured signer URL.
func (s *Session) SignerURL() string {
	return s.opts.URL
}

func copyAccounts(in []core.IcrcAccount) []core.IcrcAccount {
	if in == nil {
		return nil
	}
	out := make([]core.IcrcAccount, len(in))
	copy(out, in)
	return out
}
