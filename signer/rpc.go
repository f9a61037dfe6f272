package signer

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raven-ecosystem/ravenauth/core"
)

// JSON-RPC methods spoken with the signer.
const (
	MethodStatus             = "icrc29_status"
	MethodRequestPermissions = "icrc25_request_permissions"
	MethodAccounts           = "icrc27_accounts"
	MethodCallCanister       = "icrc49_call_canister"
	MethodICRC1Transfer      = "icrc1_transfer"
	MethodICRC2Approve       = "icrc2_approve"
)

const jsonRPCVersion = "2.0"

// Request is an outbound JSON-RPC envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *core.RPCError  `json:"error,omitempty"`
}

// MessageEvent is one inbound message from the signer window.
type MessageEvent struct {
	Origin string
	Data   []byte
}

type outcome struct {
	resp *Response
	err  error
}

// pendingTable correlates responses with requests. Each entry resolves
// exactly once: whoever removes it first owns it.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]chan outcome
	counter atomic.Uint64
	metrics *Metrics
}

func newPendingTable(m *Metrics) *pendingTable {
	return &pendingTable{entries: make(map[string]chan outcome), metrics: m}
}

// nextID allocates req-<counter>-<unix ms>. The counter is bumped before
// anything is sent.
func (t *pendingTable) nextID(now time.Time) string {
	return fmt.Sprintf("req-%d-%d", t.counter.Add(1), now.UnixMilli())
}

func (t *pendingTable) register(id string) <-chan outcome {
	ch := make(chan outcome, 1)
	t.mu.Lock()
	t.entries[id] = ch
	t.mu.Unlock()
	t.metrics.pendingDelta(1)
	return ch
}

// resolve hands o to the waiter for id. It reports false when no waiter is
// registered, e.g. for duplicates and late responses.
func (t *pendingTable) resolve(id string, o outcome) bool {
	t.mu.Lock()
	ch, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.metrics.pendingDelta(-1)
	ch <- o
	return true
}

// remove drops id. It reports false if the entry was already resolved.
func (t *pendingTable) remove(id string) bool {
	t.mu.Lock()
	_, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if ok {
		t.metrics.pendingDelta(-1)
	}
	return ok
}

// failAll resolves every waiter with err.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]chan outcome)
	t.mu.Unlock()

	for _, ch := range entries {
		t.metrics.pendingDelta(-1)
		ch <- outcome{err: err}
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
