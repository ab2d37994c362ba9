// Package walletrpc implements WalletEndpoint (spec.md §2/§4.3): a JSON-RPC
// 2.0 client that talks to a single party's wallet daemon. The core never
// holds key material; every call here crosses the boundary into a process
// this core does not control, which is why every method takes a bounded
// context and treats the far end as potentially hostile or absent.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"marketescrow/internal/errs"
)

// Method names the wallet daemon's multisig RPC surface (spec §4.3).
type Method string

const (
	MethodPrepareMultisig     Method = "prepare_multisig"
	MethodMakeMultisig        Method = "make_multisig"
	MethodExportMultisigInfo  Method = "export_multisig_info"
	MethodImportMultisigInfo  Method = "import_multisig_info"
	MethodIsMultisig          Method = "is_multisig"
	MethodBuildTransfer       Method = "build_transfer"
	MethodSignMultisig        Method = "sign_multisig"
	MethodSubmitMultisig      Method = "submit_multisig"
	MethodGetBalance          Method = "get_balance"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Endpoint is a JSON-RPC 2.0 client bound to one wallet daemon's URL
// (spec §4.3 "WalletEndpoint"). It carries no key material of its own.
type Endpoint struct {
	url      string
	username string
	password string
	client   *http.Client
	timeout  time.Duration
}

// New constructs an Endpoint. rawURL must resolve to a loopback address —
// spec.md's non-custodial invariant (§8 invariant 4) requires every wallet
// endpoint a client registers to be reachable only from localhost, never a
// remote host this core doesn't already trust as "the user's own machine".
func New(rawURL, username, password string, timeout time.Duration) (*Endpoint, error) {
	if err := ValidateLoopbackURL(rawURL); err != nil {
		return nil, err
	}
	return &Endpoint{
		url:      rawURL,
		username: username,
		password: password,
		client:   &http.Client{},
		timeout:  timeout,
	}, nil
}

// ValidateLoopbackURL enforces the loopback-only rule independent of
// constructing a client, so callers (internal/walletcoord's
// register_client_endpoint) can validate before persisting.
func ValidateLoopbackURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("walletrpc: %w: %s", errs.ErrInvalidEndpoint, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("walletrpc: %w: missing host", errs.ErrInvalidEndpoint)
	}
	ip := net.ParseIP(host)
	if ip != nil {
		if !ip.IsLoopback() {
			return fmt.Errorf("walletrpc: %w: %s is not a loopback address", errs.ErrInvalidEndpoint, host)
		}
		return nil
	}
	if host != "localhost" {
		return fmt.Errorf("walletrpc: %w: %s is not localhost/loopback", errs.ErrInvalidEndpoint, host)
	}
	return nil
}

// call performs one JSON-RPC request, retrying transient network errors
// (not JSON-RPC error responses, which are application-level and not
// retried) up to 3 times with exponential backoff.
func (e *Endpoint) call(ctx context.Context, method Method, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(request{JSONRPC: "2.0", ID: 1, Method: string(method), Params: params})
	if err != nil {
		return fmt.Errorf("walletrpc: marshal request: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var raw response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("walletrpc: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if e.username != "" {
			req.SetBasicAuth(e.username, e.password)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			// network-level failure: retryable.
			return fmt.Errorf("walletrpc: %w: %s", errs.ErrEndpointUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("walletrpc: %w: http %d", errs.ErrEndpointUnavailable, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("walletrpc: %w: http %d", errs.ErrWalletRPCError, resp.StatusCode))
		}

		var decoded response
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("walletrpc: decode response: %w", err))
		}
		raw = decoded
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("walletrpc: %s: %w", method, errs.ErrWalletRPCTimeout)
		}
		return err
	}

	if raw.Error != nil {
		return fmt.Errorf("walletrpc: %s: %w: %s", method, errs.ErrWalletRPCError, raw.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw.Result, out); err != nil {
		return fmt.Errorf("walletrpc: %s: unmarshal result: %w", method, err)
	}
	return nil
}

// PrepareMultisigResult is step 1's opaque output (spec §4.4 step 1).
type PrepareMultisigResult struct {
	MultisigInfo string `json:"multisig_info"`
}

func (e *Endpoint) PrepareMultisig(ctx context.Context, threshold, participants int) (PrepareMultisigResult, error) {
	var out PrepareMultisigResult
	params := map[string]any{"threshold": threshold, "participants": participants}
	err := e.call(ctx, MethodPrepareMultisig, params, &out)
	return out, err
}

// MakeMultisigResult is step 2's output: the wallet's view of the derived
// address, which must agree across all three parties (spec §4.4 step 2,
// MultisigMismatch edge case).
type MakeMultisigResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

func (e *Endpoint) MakeMultisig(ctx context.Context, peerInfo []string, threshold int) (MakeMultisigResult, error) {
	var out MakeMultisigResult
	params := map[string]any{"multisig_info": peerInfo, "threshold": threshold}
	err := e.call(ctx, MethodMakeMultisig, params, &out)
	return out, err
}

type ExportMultisigResult struct {
	Info string `json:"info"`
}

func (e *Endpoint) ExportMultisigInfo(ctx context.Context) (ExportMultisigResult, error) {
	var out ExportMultisigResult
	err := e.call(ctx, MethodExportMultisigInfo, nil, &out)
	return out, err
}

type ImportMultisigResult struct {
	NOutputs int `json:"n_outputs"`
}

func (e *Endpoint) ImportMultisigInfo(ctx context.Context, info []string) (ImportMultisigResult, error) {
	var out ImportMultisigResult
	params := map[string]any{"info": info}
	err := e.call(ctx, MethodImportMultisigInfo, params, &out)
	return out, err
}

type IsMultisigResult struct {
	Multisig bool `json:"multisig"`
	Ready    bool `json:"ready"`
	Threshold int  `json:"threshold"`
}

func (e *Endpoint) IsMultisig(ctx context.Context) (IsMultisigResult, error) {
	var out IsMultisigResult
	err := e.call(ctx, MethodIsMultisig, nil, &out)
	return out, err
}

type BuildTransferResult struct {
	TxDataHex string `json:"tx_data_hex"`
}

func (e *Endpoint) BuildTransfer(ctx context.Context, destAddress string, amount uint64) (BuildTransferResult, error) {
	var out BuildTransferResult
	params := map[string]any{"destination": destAddress, "amount": amount}
	err := e.call(ctx, MethodBuildTransfer, params, &out)
	return out, err
}

type SignMultisigResult struct {
	TxDataHex string `json:"tx_data_hex"`
	Complete  bool   `json:"complete"`
}

func (e *Endpoint) SignMultisig(ctx context.Context, txDataHex string) (SignMultisigResult, error) {
	var out SignMultisigResult
	params := map[string]any{"tx_data_hex": txDataHex}
	err := e.call(ctx, MethodSignMultisig, params, &out)
	return out, err
}

type SubmitMultisigResult struct {
	TxHash string `json:"tx_hash"`
}

func (e *Endpoint) SubmitMultisig(ctx context.Context, txDataHex string) (SubmitMultisigResult, error) {
	var out SubmitMultisigResult
	params := map[string]any{"tx_data_hex": txDataHex}
	err := e.call(ctx, MethodSubmitMultisig, params, &out)
	return out, err
}

type BalanceResult struct {
	Balance         uint64 `json:"balance"`
	UnlockedBalance uint64 `json:"unlocked_balance"`
	Confirmations   int    `json:"confirmations"`
}

func (e *Endpoint) GetBalance(ctx context.Context) (BalanceResult, error) {
	var out BalanceResult
	err := e.call(ctx, MethodGetBalance, nil, &out)
	return out, err
}
