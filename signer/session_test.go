package signer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signerOrigin = "https://oisy.com"

var (
	userPrincipal   = principal.Principal{Raw: []byte{1, 2, 3, 4}}
	signerPrincipal = principal.Principal{Raw: []byte{9, 8, 7}}
)

type staticAuth struct {
	err   error
	calls atomic.Int32
}

func (a *staticAuth) Authenticate(_ context.Context, maxTTL time.Duration) (*Delegation, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &Delegation{Principal: userPrincipal, ExpiresAt: time.Now().Add(maxTTL)}, nil
}

type sentRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeWindow records requests and answers them through respond, which runs
// synchronously inside PostMessage.
type fakeWindow struct {
	deliver func(MessageEvent)
	respond func(w *fakeWindow, req sentRequest)

	mu      sync.Mutex
	sent    []sentRequest
	closed  bool
	closeN  int
	postErr error
}

func (w *fakeWindow) PostMessage(data []byte) error {
	var req sentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	w.mu.Lock()
	if w.postErr != nil {
		w.mu.Unlock()
		return w.postErr
	}
	w.sent = append(w.sent, req)
	respond := w.respond
	w.mu.Unlock()

	if respond != nil {
		respond(w, req)
	}
	return nil
}

func (w *fakeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closeN++
	return nil
}

func (w *fakeWindow) userClose() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *fakeWindow) requests() []sentRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]sentRequest(nil), w.sent...)
}

func (w *fakeWindow) reply(id string, result any) {
	w.replyFrom(signerOrigin, id, result)
}

func (w *fakeWindow) replyFrom(origin, id string, result any) {
	raw, _ := json.Marshal(result)
	data, _ := json.Marshal(Response{JSONRPC: "2.0", ID: id, Result: raw})
	w.deliver(MessageEvent{Origin: origin, Data: data})
}

func (w *fakeWindow) replyError(id string, code int, msg string) {
	data, _ := json.Marshal(Response{JSONRPC: "2.0", ID: id, Error: &core.RPCError{Code: code, Message: msg}})
	w.deliver(MessageEvent{Origin: signerOrigin, Data: data})
}

type fakeOpener struct {
	window *fakeWindow
	err    error
	req    WindowRequest
}

func (o *fakeOpener) Open(_ context.Context, req WindowRequest, deliver func(MessageEvent)) (Window, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.req = req
	o.window.deliver = deliver
	return o.window, nil
}

// cooperative answers the negotiation the way a healthy signer does.
func cooperative(w *fakeWindow, req sentRequest) {
	switch req.Method {
	case MethodStatus:
		w.reply(req.ID, "ready")
	case MethodRequestPermissions:
		w.reply(req.ID, map[string]any{"scopes": []map[string]any{
			{"scope": map[string]string{"method": MethodICRC1Transfer}, "state": "granted"},
		}})
	case MethodAccounts:
		w.reply(req.ID, map[string]any{"accounts": []map[string]any{
			{"owner": signerPrincipal.String(), "subaccount": []int{0, 1, 255}},
		}})
	}
}

func newTestSession(t *testing.T, opener Opener, opts Options) (*Session, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	opts.Metrics = metrics
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	s, err := NewSession(&staticAuth{}, opener, opts)
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)
	return s, metrics
}

// waitWindow waits until the background open has attached the signer window.
func waitWindow(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.IsConnected, time.Second, time.Millisecond)
}

// blockingOpener holds Open until release is closed or ctx ends.
type blockingOpener struct {
	fakeOpener
	entered chan struct{}
	release chan struct{}
}

func newBlockingOpener(w *fakeWindow) *blockingOpener {
	return &blockingOpener{fakeOpener: fakeOpener{window: w}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (o *blockingOpener) Open(ctx context.Context, req WindowRequest, deliver func(MessageEvent)) (Window, error) {
	close(o.entered)
	select {
	case <-o.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.fakeOpener.Open(ctx, req, deliver)
}

// quiet opts keep the background negotiation out of the way.
func quiet() Options {
	return Options{HandshakeDelay: time.Hour}
}

func TestConnectNegotiatesWithSigner(t *testing.T) {
	w := &fakeWindow{respond: cooperative}
	opener := &fakeOpener{window: w}
	var disconnects atomic.Int32
	s, _ := newTestSession(t, opener, Options{HandshakeDelay: -1, OnDisconnect: func() { disconnects.Add(1) }})

	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	res, err := s.WaitNegotiation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNegotiated, res.Outcome)
	assert.True(t, res.PermissionsGranted)
	require.Len(t, res.Accounts, 1)
	assert.Equal(t, signerPrincipal, res.Accounts[0].Owner)
	assert.Equal(t, []byte{0, 1, 255}, res.Accounts[0].Subaccount)

	assert.Equal(t, StateConnectedWithSigner, s.State())
	assert.True(t, s.IsConnected())
	assert.Equal(t, res.Accounts, s.Accounts())
	p, ok := s.Principal()
	require.True(t, ok)
	assert.Equal(t, userPrincipal, p)

	assert.Equal(t, "oisy-signer", opener.req.Name)
	assert.Equal(t, DefaultURL, opener.req.URL)
	assert.Equal(t, "width=576,height=625,left=672,top=227,toolbar=no,location=no,status=no,menubar=no,scrollbars=yes,resizable=yes", opener.req.Features)

	var methods []string
	for _, r := range w.requests() {
		methods = append(methods, r.Method)
	}
	assert.Equal(t, []string{MethodStatus, MethodRequestPermissions, MethodAccounts}, methods)
	assert.JSONEq(t, `{}`, string(w.requests()[0].Params))

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, s.IsConnected())
	assert.Nil(t, s.Accounts())
	assert.Nil(t, s.Identity())
	_, ok = s.Principal()
	assert.False(t, ok)
	assert.True(t, w.Closed())

	s.Disconnect()
	assert.EqualValues(t, 1, disconnects.Load())
}

func TestConnectReturnsBeforeNegotiation(t *testing.T) {
	w := &fakeWindow{}
	s, _ := newTestSession(t, &fakeOpener{window: w}, Options{HandshakeDelay: -1, RequestTimeout: 30 * time.Millisecond})

	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []core.IcrcAccount{{Owner: userPrincipal}}, s.Accounts())

	res, err := s.WaitNegotiation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallbackToPrincipal, res.Outcome)
	assert.ErrorIs(t, res.Err, core.ErrRequestTimeout)
	assert.Equal(t, []core.IcrcAccount{{Owner: userPrincipal}}, res.Accounts)
	assert.Equal(t, StateConnectedNoSigner, s.State())
	assert.True(t, s.IsConnected())
}

func TestConnectDoesNotWaitForWindow(t *testing.T) {
	o := newBlockingOpener(&fakeWindow{respond: cooperative})
	s, _ := newTestSession(t, o, Options{HandshakeDelay: -1})

	returned := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background())
		returned <- err
	}()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(o.release)
		t.Fatal("Connect waited for the signer window to open")
	}

	<-o.entered
	assert.Equal(t, StateConnectedNoSigner, s.State())
	assert.False(t, s.IsConnected())
	assert.Equal(t, []core.IcrcAccount{{Owner: userPrincipal}}, s.Accounts())

	close(o.release)
	res, err := s.WaitNegotiation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNegotiated, res.Outcome)
	assert.True(t, s.IsConnected())
}

func TestDisconnectWhileWindowOpens(t *testing.T) {
	o := newBlockingOpener(&fakeWindow{})
	var disconnects atomic.Int32
	s, _ := newTestSession(t, o, Options{HandshakeDelay: -1, OnDisconnect: func() { disconnects.Add(1) }})

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	<-o.entered

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	assert.EqualValues(t, 1, disconnects.Load())

	res, err := s.WaitNegotiation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallbackToPrincipal, res.Outcome)
	assert.ErrorIs(t, res.Err, core.ErrNotConnected)
	assert.Nil(t, o.window.deliver)
}

func TestAccountsFailureFallsBackToPrincipal(t *testing.T) {
	w := &fakeWindow{respond: func(w *fakeWindow, req sentRequest) {
		switch req.Method {
		case MethodStatus:
			w.reply(req.ID, "ready")
		default:
			w.replyError(req.ID, 3000, "permission not granted")
		}
	}}
	s, _ := newTestSession(t, &fakeOpener{window: w}, Options{HandshakeDelay: -1})

	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	res, err := s.WaitNegotiation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallbackToPrincipal, res.Outcome)
	assert.False(t, res.PermissionsGranted)
	var rpcErr *core.RPCError
	require.ErrorAs(t, res.Err, &rpcErr)
	assert.Equal(t, 3000, rpcErr.Code)
	assert.Equal(t, StateConnectedWithSigner, s.State())
	assert.Equal(t, []core.IcrcAccount{{Owner: userPrincipal}}, s.Accounts())
}

func TestConnectWithoutWindow(t *testing.T) {
	s, _ := newTestSession(t, &fakeOpener{err: errors.New("popup blocked")}, Options{})

	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateConnectedNoSigner, s.State())
	assert.False(t, s.IsConnected())

	res, err := s.WaitNegotiation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallbackToPrincipal, res.Outcome)
	assert.ErrorIs(t, res.Err, core.ErrSignerUnavailable)

	_, err = s.Status(context.Background())
	assert.ErrorIs(t, err, core.ErrSignerUnavailable)
}

func TestConnectAuthenticationFailure(t *testing.T) {
	var disconnects atomic.Int32
	s, err := NewSession(&staticAuth{err: errors.New("user closed the identity window")}, &fakeOpener{window: &fakeWindow{}},
		Options{OnDisconnect: func() { disconnects.Add(1) }})
	require.NoError(t, err)

	ok, err := s.Connect(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, s.State())

	_, err = s.WaitNegotiation(context.Background())
	assert.ErrorIs(t, err, core.ErrNotConnected)

	s.Disconnect()
	assert.Zero(t, disconnects.Load())
}

func TestConnectTwice(t *testing.T) {
	s, _ := newTestSession(t, &fakeOpener{window: &fakeWindow{}}, quiet())

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	ok, err := s.Connect(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestDuplicateResponseIsIgnored(t *testing.T) {
	w := &fakeWindow{respond: func(w *fakeWindow, req sentRequest) {
		w.reply(req.ID, "ready")
		w.reply(req.ID, "again")
	}}
	s, m := newTestSession(t, &fakeOpener{window: w}, quiet())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	status, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", status)
	assert.Equal(t, 0, s.pending.len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("unmatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(MethodStatus, "ok")))
}

func TestLateResponseAfterTimeout(t *testing.T) {
	w := &fakeWindow{}
	s, m := newTestSession(t, &fakeOpener{window: w}, Options{HandshakeDelay: time.Hour, RequestTimeout: 20 * time.Millisecond})
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	_, err = s.Status(context.Background())
	assert.ErrorIs(t, err, core.ErrRequestTimeout)
	assert.Equal(t, 0, s.pending.len())

	reqs := w.requests()
	require.Len(t, reqs, 1)
	w.reply(reqs[0].ID, "ready")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("unmatched")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))
}

func TestForeignOriginIsDropped(t *testing.T) {
	for _, origin := range []string{"https://oisy.com.evil.io", "http://oisy.com", "https://evil-oisy.com", "not a url"} {
		t.Run(origin, func(t *testing.T) {
			w := &fakeWindow{respond: func(w *fakeWindow, req sentRequest) {
				w.replyFrom(origin, req.ID, "ready")
			}}
			s, m := newTestSession(t, &fakeOpener{window: w}, Options{HandshakeDelay: time.Hour, RequestTimeout: 20 * time.Millisecond})
			_, err := s.Connect(context.Background())
			require.NoError(t, err)
			waitWindow(t, s)

			_, err = s.Status(context.Background())
			assert.ErrorIs(t, err, core.ErrRequestTimeout)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("origin")))
		})
	}
}

func TestSignerOriginAcceptsDefaultPort(t *testing.T) {
	w := &fakeWindow{respond: func(w *fakeWindow, req sentRequest) {
		w.replyFrom("https://OISY.com:443", req.ID, "ready")
	}}
	s, _ := newTestSession(t, &fakeOpener{window: w}, quiet())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	status, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", status)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	s, m := newTestSession(t, &fakeOpener{window: &fakeWindow{}}, quiet())

	s.HandleMessage(MessageEvent{Origin: signerOrigin, Data: []byte("not json")})
	s.HandleMessage(MessageEvent{Origin: signerOrigin, Data: []byte(`{"jsonrpc":"1.0","id":"req-1-1"}`)})
	s.HandleMessage(MessageEvent{Origin: signerOrigin, Data: []byte(`{"jsonrpc":"2.0"}`)})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dropped.WithLabelValues("malformed")))
}

func TestRPCErrorIsReturned(t *testing.T) {
	w := &fakeWindow{respond: func(w *fakeWindow, req sentRequest) {
		w.replyError(req.ID, 1000, "generic error")
	}}
	s, _ := newTestSession(t, &fakeOpener{window: w}, quiet())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	_, err = s.Status(context.Background())
	var rpcErr *core.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "generic error", rpcErr.Message)
}

func TestCanceledRequest(t *testing.T) {
	s, _ := newTestSession(t, &fakeOpener{window: &fakeWindow{}}, quiet())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Status(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.pending.len())
}

func TestPostFailure(t *testing.T) {
	w := &fakeWindow{postErr: errors.New("broken pipe")}
	s, _ := newTestSession(t, &fakeOpener{window: w}, quiet())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	_, err = s.Status(context.Background())
	assert.ErrorIs(t, err, core.ErrSignerUnavailable)
	assert.Equal(t, 0, s.pending.len())
}

func TestRequestIDs(t *testing.T) {
	w := &fakeWindow{respond: func(w *fakeWindow, req sentRequest) { w.reply(req.ID, "ready") }}
	s, _ := newTestSession(t, &fakeOpener{window: w}, quiet())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.Status(context.Background())
		require.NoError(t, err)
	}
	reqs := w.requests()
	require.Len(t, reqs, 3)
	assert.Regexp(t, `^req-1-\d+$`, reqs[0].ID)
	assert.Regexp(t, `^req-3-\d+$`, reqs[2].ID)
}

func TestDisconnectFailsInFlightRequests(t *testing.T) {
	w := &fakeWindow{}
	s, _ := newTestSession(t, &fakeOpener{window: w}, quiet())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	waitWindow(t, s)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Status(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.pending.len() == 1 }, time.Second, time.Millisecond)

	s.Disconnect()
	assert.ErrorIs(t, <-errc, core.ErrNotConnected)
}

func TestClosedWindowDisconnects(t *testing.T) {
	w := &fakeWindow{respond: cooperative}
	disconnected := make(chan struct{}, 2)
	s, _ := newTestSession(t, &fakeOpener{window: w}, Options{HandshakeDelay: -1, OnDisconnect: func() { disconnected <- struct{}{} }})

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	_, err = s.WaitNegotiation(context.Background())
	require.NoError(t, err)

	w.userClose()
	assert.False(t, s.IsConnected())

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect was not called")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.Nil(t, s.Accounts())

	s.Disconnect()
	assert.Len(t, disconnected, 0)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	w := &fakeWindow{respond: cooperative}
	opener := &fakeOpener{window: w}
	s, _ := newTestSession(t, opener, Options{HandshakeDelay: -1})

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	s.Disconnect()

	opener.window = &fakeWindow{respond: cooperative}
	ok, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	res, err := s.WaitNegotiation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNegotiated, res.Outcome)
}

func TestStateMetric(t *testing.T) {
	s, m := newTestSession(t, &fakeOpener{window: &fakeWindow{}}, quiet())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("disconnected")))

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("disconnected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("connected_no_signer")))
}
