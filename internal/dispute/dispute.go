// Package dispute implements DisputeAirGap (spec.md §4.5): the export of a
// signed, air-gap-friendly decision payload and the import/verification of
// the arbiter's response. The arbiter's private key never touches this
// process — only a public key, for verification, and the canonical JSON
// blob that crosses the gap by USB stick or QR code.
package dispute

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"marketescrow/internal/cryptoutil"
	"marketescrow/internal/errs"
)

// maxDisputeFailures is the consecutive-signature-failure threshold that
// trips the rate limiter (spec §4.5 step 4).
const maxDisputeFailures = 5

// rateLimitCooldown is how long an escrow stays rate limited once tripped.
// Until it has elapsed every import for the escrow is rejected, correctly
// signed or not; the first accepted import after it resets the counter.
const rateLimitCooldown = time.Hour

// DisputeExport is the payload produced when a dispute is opened (spec §3
// "DisputeExport", wire shape fixed in §6). Field order is fixed by this
// struct's declaration order and never changes — spec's Open Question 2:
// canonical JSON is "compiler-fixed field order, no maps, no HTML
// escaping, no indentation."
type DisputeExport struct {
	EscrowID        string   `json:"escrow_id"`
	Amount          uint64   `json:"amount"`
	BuyerClaim      string   `json:"buyer_claim"`
	VendorResponse  string   `json:"vendor_response"`
	EvidenceDigests []string `json:"evidence_digests"`
	Nonce           string   `json:"nonce"`
}

// ArbiterDecision is the signed response the arbiter produces on the
// air-gapped device and carries back across the gap (spec §3
// "ArbiterDecision", wire shape fixed in §6). Decision is "buyer" or
// "vendor". SignedTxHex is the opaque settlement payload the arbiter's
// wallet produced for the losing-side release/refund — distinct from
// DecisionSignature, which only attests to the decision itself.
type ArbiterDecision struct {
	EscrowID          string `json:"escrow_id"`
	Nonce             string `json:"nonce"`
	Decision          string `json:"decision"`
	Reason            string `json:"reason"`
	SignedTxHex       string `json:"signed_tx_hex"`
	DecisionSignature string `json:"decision_signature"` // hex-encoded Ed25519 signature
	DecidedAt         int64  `json:"decided_at"`         // unix seconds
}

const (
	DecisionBuyer  = "buyer"
	DecisionVendor = "vendor"
)

// canonicalMarshal encodes v with HTML-escaping disabled and no trailing
// newline, matching spec §4.5's canonical-JSON requirement exactly (the
// struct's declared field order does the rest).
func canonicalMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// BuildExport constructs the canonical export payload for an open dispute,
// generating a fresh anti-replay nonce (spec §4.5 step 1).
func BuildExport(escrowID string, amount uint64, buyerClaim, vendorResponse string, evidenceDigests []string) (DisputeExport, string, error) {
	nonce, err := cryptoutil.NewNonceHex(16)
	if err != nil {
		return DisputeExport{}, "", fmt.Errorf("dispute: generate nonce: %w", err)
	}
	exp := DisputeExport{
		EscrowID:        escrowID,
		Amount:          amount,
		BuyerClaim:      buyerClaim,
		VendorResponse:  vendorResponse,
		EvidenceDigests: evidenceDigests,
		Nonce:           nonce,
	}
	return exp, nonce, nil
}

// MarshalExport renders exp as the canonical JSON bytes the arbiter
// receives across the air gap.
func MarshalExport(exp DisputeExport) ([]byte, error) {
	return canonicalMarshal(exp)
}

// decisionSigningPayload is the exact message the arbiter signs (spec
// §4.5's "DECISION:{escrow_id}:{nonce}" wire contract).
func decisionSigningPayload(escrowID, nonce string) []byte {
	return []byte(fmt.Sprintf("DECISION:%s:%s", escrowID, nonce))
}

// SignDecision is the air-gapped-device-side operation: given the
// arbiter's private key (which never exists inside this process's address
// space in production — this function exists for the arbiter's own
// tooling and for tests), produce a signed ArbiterDecision.
func SignDecision(priv ed25519.PrivateKey, escrowID, nonce, decision, reason, signedTxHex string, now time.Time) ArbiterDecision {
	sig := cryptoutil.Sign(priv, decisionSigningPayload(escrowID, nonce))
	return ArbiterDecision{
		EscrowID:          escrowID,
		Nonce:             nonce,
		Decision:          decision,
		Reason:            reason,
		SignedTxHex:       signedTxHex,
		DecisionSignature: fmt.Sprintf("%x", sig),
		DecidedAt:         now.UTC().Unix(),
	}
}

// ImportState is what the caller (internal/escrow, via the orchestrator)
// supplies to VerifyAndImport: the outstanding nonce and rate-limit
// bookkeeping currently on the escrow row.
type ImportState struct {
	ExpectedNonce   string
	FailureCount    int
	RateLimitedAt   *time.Time
}

// ImportOutcome is the result of VerifyAndImport: either the decision is
// accepted (Accepted true) or it is rejected, in which case the caller
// must persist the updated FailureCount/RateLimitedAt back onto the
// escrow row regardless of the error returned.
type ImportOutcome struct {
	Accepted      bool
	FailureCount  int
	RateLimitedAt *time.Time
}

// VerifyAndImport validates dec against pub and state (spec §4.5 steps
// 2-4): nonce match, signature validity, and the consecutive-failure rate
// limiter. A rate-limited escrow, a burned nonce (replay), a nonce
// mismatch and an invalid signature are the rejection paths; each returns
// a non-nil error alongside the bookkeeping the caller must still persist.
// Only an invalid signature counts towards the limiter.
func VerifyAndImport(pub ed25519.PublicKey, dec ArbiterDecision, state ImportState, now time.Time) (ImportOutcome, error) {
	if state.RateLimitedAt != nil && now.Before(state.RateLimitedAt.Add(rateLimitCooldown)) {
		return ImportOutcome{FailureCount: state.FailureCount, RateLimitedAt: state.RateLimitedAt},
			fmt.Errorf("dispute: escrow %s: %w", dec.EscrowID, errs.ErrRateLimited)
	}

	if state.ExpectedNonce == "" {
		// No dispute is outstanding for this escrow: either it was never
		// opened or a decision has already been accepted and the nonce
		// burned. Any decision arriving now is a replay of an old one.
		return ImportOutcome{FailureCount: state.FailureCount, RateLimitedAt: state.RateLimitedAt},
			fmt.Errorf("dispute: escrow %s: %w", dec.EscrowID, errs.ErrReplayDetected)
	}
	if dec.Nonce != state.ExpectedNonce {
		return ImportOutcome{FailureCount: state.FailureCount, RateLimitedAt: state.RateLimitedAt},
			fmt.Errorf("dispute: escrow %s: %w", dec.EscrowID, errs.ErrNonceMismatch)
	}

	sig, err := cryptoutil.ParseSignatureHex(dec.DecisionSignature)
	if err != nil {
		return recordFailure(dec, state, now), fmt.Errorf("dispute: escrow %s: %w: %s", dec.EscrowID, errs.ErrSignatureInvalid, err)
	}
	msg := decisionSigningPayload(dec.EscrowID, dec.Nonce)
	if !cryptoutil.Verify(pub, msg, sig) {
		return recordFailure(dec, state, now), fmt.Errorf("dispute: escrow %s: %w", dec.EscrowID, errs.ErrSignatureInvalid)
	}

	return ImportOutcome{Accepted: true, FailureCount: 0, RateLimitedAt: nil}, nil
}

func recordFailure(dec ArbiterDecision, state ImportState, now time.Time) ImportOutcome {
	count := state.FailureCount + 1
	out := ImportOutcome{Accepted: false, FailureCount: count, RateLimitedAt: state.RateLimitedAt}
	if count >= maxDisputeFailures && (out.RateLimitedAt == nil || !now.Before(out.RateLimitedAt.Add(rateLimitCooldown))) {
		limitedAt := now.UTC()
		out.RateLimitedAt = &limitedAt
	}
	return out
}
