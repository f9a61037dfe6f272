package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/shopspring/decimal"
)

// byteArray is a byte slice encoded as a JSON array of numbers.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	nums := make([]int, len(b))
	for i, v := range b {
		nums[i] = int(v)
	}
	return json.Marshal(nums)
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte out of range: %d", n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

type scope struct {
	Method string `json:"method"`
}

// PermissionScope is one scope as answered by the signer.
type PermissionScope struct {
	Scope scope  `json:"scope"`
	State string `json:"state"`
}

// Permissions is the answer to a permission request.
type Permissions struct {
	Scopes     []PermissionScope `json:"scopes"`
	AllGranted bool              `json:"-"`
}

var requestedScopes = []scope{
	{Method: MethodICRC1Transfer},
	{Method: MethodICRC2Approve},
	{Method: MethodAccounts},
	{Method: MethodCallCanister},
}

// Status performs the status handshake.
func (s *Session) Status(ctx context.Context) (string, error) {
	raw, err := s.call(ctx, MethodStatus, map[string]any{})
	if err != nil {
		return "", err
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		// Some signers answer with an object.
		return string(raw), nil
	}
	return status, nil
}

// RequestPermissions asks for the transfer, approve, accounts and call scopes.
func (s *Session) RequestPermissions(ctx context.Context) (Permissions, error) {
	raw, err := s.call(ctx, MethodRequestPermissions, map[string]any{"scopes": requestedScopes})
	if err != nil {
		return Permissions{}, err
	}

	var p Permissions
	if err := json.Unmarshal(raw, &p); err != nil {
		return Permissions{}, fmt.Errorf("invalid permissions result: %w", err)
	}
	p.AllGranted = len(p.Scopes) > 0
	for _, sc := range p.Scopes {
		if sc.State == "denied" {
			p.AllGranted = false
		}
	}
	return p, nil
}

type wireAccount struct {
	Owner      string    `json:"owner"`
	Subaccount byteArray `json:"subaccount,omitempty"`
}

// RequestAccounts asks the signer for its accounts.
func (s *Session) RequestAccounts(ctx context.Context) ([]core.IcrcAccount, error) {
	raw, err := s.call(ctx, MethodAccounts, map[string]any{})
	if err != nil {
		return nil, err
	}

	var res struct {
		Accounts []wireAccount `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid accounts result: %w", err)
	}

	accounts := make([]core.IcrcAccount, 0, len(res.Accounts))
	for _, a := range res.Accounts {
		owner, err := principal.Decode(a.Owner)
		if err != nil {
			return nil, fmt.Errorf("invalid account owner %q: %w", a.Owner, err)
		}
		accounts = append(accounts, core.IcrcAccount{Owner: owner, Subaccount: []byte(a.Subaccount)})
	}
	return accounts, nil
}

// CallCanister asks the signer to call method on canisterID with arg.
// It requires an open signer window.
func (s *Session) CallCanister(ctx context.Context, canisterID, method string, arg any) (json.RawMessage, error) {
	if !s.IsConnected() {
		return nil, core.ErrNotConnected
	}
	params := map[string]any{
		"canisterId": canisterID,
		"method":     method,
		"arg":        arg,
	}
	if p, ok := s.Principal(); ok {
		params["sender"] = p.String()
	}
	return s.call(ctx, MethodCallCanister, params)
}

// Account is the destination of a transfer or approval.
type Account struct {
	Owner      principal.Principal
	Subaccount []byte
}

func (a Account) wire() wireAccount {
	return wireAccount{Owner: a.Owner.String(), Subaccount: a.Subaccount}
}

// TransferRequest is an ICRC-1 transfer in base units.
type TransferRequest struct {
	FromSubaccount []byte
	To             Account
	Amount         *big.Int
	Fee            *big.Int
	Memo           []byte
	CreatedAtTime  *uint64
}

type transferArg struct {
	FromSubaccount byteArray   `json:"from_subaccount,omitempty"`
	To             wireAccount `json:"to"`
	Amount         string      `json:"amount"`
	Fee            string      `json:"fee,omitempty"`
	Memo           byteArray   `json:"memo,omitempty"`
	CreatedAtTime  string      `json:"created_at_time,omitempty"`
}

// ApproveRequest is an ICRC-2 approval in base units.
type ApproveRequest struct {
	FromSubaccount    []byte
	Spender           Account
	Amount            *big.Int
	ExpectedAllowance *big.Int
	ExpiresAt         *uint64
	Fee               *big.Int
	Memo              []byte
	CreatedAtTime     *uint64
}

type approveArg struct {
	FromSubaccount    byteArray   `json:"from_subaccount,omitempty"`
	Spender           wireAccount `json:"spender"`
	Amount            string      `json:"amount"`
	ExpectedAllowance string      `json:"expected_allowance,omitempty"`
	ExpiresAt         string      `json:"expires_at,omitempty"`
	Fee               string      `json:"fee,omitempty"`
	Memo              byteArray   `json:"memo,omitempty"`
	CreatedAtTime     string      `json:"created_at_time,omitempty"`
}

// ICRC1Transfer transfers tokens on the ledger canisterID through the signer
// and returns the block index.
func (s *Session) ICRC1Transfer(ctx context.Context, canisterID string, req TransferRequest) (*big.Int, error) {
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid transfer amount")
	}
	arg := transferArg{
		FromSubaccount: req.FromSubaccount,
		To:             req.To.wire(),
		Amount:         req.Amount.String(),
		Fee:            bigString(req.Fee),
		Memo:           req.Memo,
		CreatedAtTime:  uintString(req.CreatedAtTime),
	}
	raw, err := s.CallCanister(ctx, canisterID, MethodICRC1Transfer, arg)
	if err != nil {
		return nil, err
	}
	return ledgerResult(raw, "transfer")
}

// ICRC2Approve approves a spender on the ledger canisterID through the signer
// and returns the block index.
func (s *Session) ICRC2Approve(ctx context.Context, canisterID string, req ApproveRequest) (*big.Int, error) {
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid approve amount")
	}
	arg := approveArg{
		FromSubaccount:    req.FromSubaccount,
		Spender:           req.Spender.wire(),
		Amount:            req.Amount.String(),
		ExpectedAllowance: bigString(req.ExpectedAllowance),
		ExpiresAt:         uintString(req.ExpiresAt),
		Fee:               bigString(req.Fee),
		Memo:              req.Memo,
		CreatedAtTime:     uintString(req.CreatedAtTime),
	}
	raw, err := s.CallCanister(ctx, canisterID, MethodICRC2Approve, arg)
	if err != nil {
		return nil, err
	}
	return ledgerResult(raw, "approve")
}

// ledgerResult decodes {"Ok": "<nat>"} or {"Err": ...}.
func ledgerResult(raw json.RawMessage, op string) (*big.Int, error) {
	var res struct {
		Ok  *json.RawMessage `json:"Ok"`
		Err *json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid %s result: %w", op, err)
	}
	if res.Err != nil {
		return nil, fmt.Errorf("%s failed: %s", op, string(*res.Err))
	}
	if res.Ok == nil {
		return nil, fmt.Errorf("invalid %s result: %s", op, string(raw))
	}

	var text string
	if err := json.Unmarshal(*res.Ok, &text); err != nil {
		// Plain JSON numbers are accepted as well.
		text = string(*res.Ok)
	}
	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("invalid block index %q", text)
	}
	return n, nil
}

// ParseTokenAmount converts a human decimal amount into base units of a token
// with the given number of decimals.
func ParseTokenAmount(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", amount)
	}
	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", amount, decimals)
	}
	return units.BigInt(), nil
}

// FormatTokenAmount renders base units as a decimal amount.
func FormatTokenAmount(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).String()
}

func bigString(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.String()
}

func uintString(n *uint64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatUint(*n, 10)
}
