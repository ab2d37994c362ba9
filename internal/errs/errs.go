// Package errs defines the sentinel error taxonomy shared by every
// coordination-core component. Callers compare with errors.Is; wrapping
// with fmt.Errorf("...: %w", Err...) is the only supported way to add
// context.
package errs

import "errors"

var (
	// Policy / identity guards.
	ErrNonCustodialViolation = errors.New("non-custodial violation")
	ErrInvalidEndpoint       = errors.New("invalid wallet endpoint")
	ErrRoleMismatch          = errors.New("role mismatch")

	// State-machine failures.
	ErrTerminalState    = errors.New("escrow is in a terminal state")
	ErrAlreadyInState   = errors.New("escrow already in requested state")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrStaleRead        = errors.New("stale read, retry transition")

	// Multisig setup failures.
	ErrMultisigMismatch  = errors.New("multisig address mismatch across parties")
	ErrProtocolViolation = errors.New("multisig protocol violation")

	// Dispute import failures.
	ErrNonceMismatch    = errors.New("dispute nonce mismatch")
	ErrSignatureInvalid = errors.New("arbiter signature invalid")
	ErrReplayDetected   = errors.New("dispute decision replay detected")
	ErrRateLimited      = errors.New("dispute import rate limited")

	// Wallet RPC failures.
	ErrWalletRPCError       = errors.New("wallet rpc error")
	ErrWalletRPCTimeout     = errors.New("wallet rpc timeout")
	ErrEndpointUnavailable  = errors.New("wallet endpoint unavailable")

	// Secret management.
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrKeyNotConfigured = errors.New("encryption key not configured")

	// Domain validation.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidAmount     = errors.New("invalid amount")

	// Misc.
	ErrNotFound = errors.New("not found")
)
