package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed digests.
// Version suffix enables future algorithm migration.
const (
	DomainActions = "scenebridge/actions/v1"
	DomainAudit   = "scenebridge/audit/v1"
	DomainJob     = "scenebridge/job/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00}) // Null separator - CRITICAL for security
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ActionsDigest identifies an ordered action list by content. Two
// responses proposing the same actions for the same job produce the same
// digest, which is how a replayed response is recognized.
func ActionsDigest(jobID string, actions []Action) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"job_id":  jobID,
		"actions": actions,
	})
	if err != nil {
		return "", fmt.Errorf("ActionsDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainActions, canonical), nil
}

// JobDigest identifies a job by content, for tamper checks on re-read.
func JobDigest(job Job) (string, error) {
	canonical, err := MarshalCanonical(job)
	if err != nil {
		return "", fmt.Errorf("JobDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainJob, canonical), nil
}

// AuditHash chains an audit record to its predecessor. Seq, PrevHash and
// Hash itself are excluded from the hashed body; prevHash is mixed in
// explicitly so that any rewrite of history breaks every later hash.
func AuditHash(prevHash string, rec AuditRecord) (string, error) {
	body := rec
	body.Seq = 0
	body.PrevHash = ""
	body.Hash = ""
	canonical, err := MarshalCanonical(map[string]any{
		"prev":   prevHash,
		"record": body,
	})
	if err != nil {
		return "", fmt.Errorf("AuditHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAudit, canonical), nil
}

// MustActionsDigest is like ActionsDigest but panics on error.
// Use only in tests.
func MustActionsDigest(jobID string, actions []Action) string {
	d, err := ActionsDigest(jobID, actions)
	if err != nil {
		panic(err)
	}
	return d
}
