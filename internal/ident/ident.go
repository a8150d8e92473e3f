// Package ident computes content-addressed identifiers for workflow history.
//
// Identifiers are SHA-256 digests over canonical JSON with a domain prefix, so
// the same (instance, generation, seq, activity, input) always maps to the same
// id across restarts and replays.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes. The version suffix leaves room for algorithm changes.
const (
	DomainInvocation = "paysettle/invocation/v1"
	DomainCompletion = "paysettle/completion/v1"
	DomainInput      = "paysettle/input/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// InputHash hashes an encoded activity input. Inputs that differ only in key
// order or whitespace hash identically.
func InputHash(input json.RawMessage) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", fmt.Errorf("input hash: %w", err)
	}
	return hashWithDomain(DomainInput, canonical), nil
}

// InvocationID computes the id of the seq-th activity scheduled by a
// generation of a run.
func InvocationID(instanceID string, generation int64, seq int64, activity string, input json.RawMessage) (string, error) {
	inputHash, err := InputHash(input)
	if err != nil {
		return "", fmt.Errorf("invocation id: %w", err)
	}
	canonical, err := Canonical(map[string]any{
		"instance_id": instanceID,
		"generation":  generation,
		"seq":         seq,
		"activity":    activity,
		"input_hash":  inputHash,
	})
	if err != nil {
		return "", fmt.Errorf("invocation id: %w", err)
	}
	return hashWithDomain(DomainInvocation, canonical), nil
}

// CompletionID computes the id of the completion recorded for an invocation.
// An invocation completes once, so the outcome is enough to distinguish it.
func CompletionID(invocationID, outcome string) (string, error) {
	canonical, err := Canonical(map[string]any{
		"invocation_id": invocationID,
		"outcome":       outcome,
	})
	if err != nil {
		return "", fmt.Errorf("completion id: %w", err)
	}
	return hashWithDomain(DomainCompletion, canonical), nil
}
