// Package attest produces and verifies the signed creation/deletion records
// for each sandbox. The signature covers the exact JSON serialisation of the
// document with the signature field absent; struct field order makes that
// serialisation canonical.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vap-net/dispatcher/internal/identity"
)

// Document types.
const (
	TypeCreated          = "container:created"
	TypeDestroyed        = "container:destroyed"
	TypeDestroyedTimeout = "container:destroyed:timeout"
)

// File names inside the job directory.
const (
	CreationFile = "creation-attestation.json"
	DeletionFile = "deletion-attestation.json"
)

// Creation records that a sandbox was brought up for a job.
type Creation struct {
	Type        string  `json:"type"`
	JobID       string  `json:"jobId"`
	ContainerID string  `json:"containerId"`
	AgentID     string  `json:"agentId"`
	Identity    string  `json:"identity"`
	CreatedAt   string  `json:"createdAt"`
	JobHash     string  `json:"jobHash"`
	MemoryLimit string  `json:"memoryLimit"`
	CPULimit    float64 `json:"cpuLimit"`
	MaxLifetime string  `json:"maxLifetime"`
	PrivacyTier string  `json:"privacyTier"`
	Signature   string  `json:"signature,omitempty"`
}

// Deletion records that a sandbox was torn down and what it could see.
type Deletion struct {
	Type             string   `json:"type"`
	JobID            string   `json:"jobId"`
	ContainerID      string   `json:"containerId"`
	CreatedAt        string   `json:"createdAt"`
	DestroyedAt      string   `json:"destroyedAt"`
	DataVolumes      []string `json:"dataVolumes"`
	DeletionMethod   string   `json:"deletionMethod"`
	TranscriptSHA256 string   `json:"transcriptSha256"`
	Reason           string   `json:"reason,omitempty"`
	Signature        string   `json:"signature,omitempty"`
}

// Sign computes the signature over the canonical payload and embeds it.
func (c *Creation) Sign(signer identity.Signer) error {
	return signDoc(c, &c.Signature, signer)
}

// Verify checks the embedded signature against the identity's address.
func (c *Creation) Verify(id *identity.Identity) (bool, error) {
	clone := *c
	clone.Signature = ""
	return verifyDoc(&clone, c.Signature, id)
}

func (d *Deletion) Sign(signer identity.Signer) error {
	return signDoc(d, &d.Signature, signer)
}

func (d *Deletion) Verify(id *identity.Identity) (bool, error) {
	clone := *d
	clone.Signature = ""
	return verifyDoc(&clone, d.Signature, id)
}

func signDoc(doc any, sigField *string, signer identity.Signer) error {
	*sigField = ""
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("canonicalise attestation: %w", err)
	}
	sig, err := signer.SignMessage(string(payload))
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}
	*sigField = sig
	return nil
}

func verifyDoc(payloadDoc any, sig string, id *identity.Identity) (bool, error) {
	if sig == "" {
		return false, fmt.Errorf("attestation has no signature")
	}
	payload, err := json.Marshal(payloadDoc)
	if err != nil {
		return false, fmt.Errorf("canonicalise attestation: %w", err)
	}
	return identity.Verify(id, string(payload), sig)
}

// WriteFile persists a signed document into the job directory.
func WriteFile(jobDir, name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attestation: %w", err)
	}
	path := filepath.Join(jobDir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadCreation loads a creation attestation from a job directory.
func ReadCreation(jobDir string) (*Creation, error) {
	var c Creation
	if err := readFile(filepath.Join(jobDir, CreationFile), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ReadDeletion loads a deletion attestation from a job directory.
func ReadDeletion(jobDir string) (*Deletion, error) {
	var d Deletion
	if err := readFile(filepath.Join(jobDir, DeletionFile), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func readFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// jobHashPayload fixes the canonical field order for the local job hash.
type jobHashPayload struct {
	JobID       string  `json:"jobId"`
	Description string  `json:"description"`
	Buyer       string  `json:"buyer"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Timestamp   int64   `json:"timestamp"`
}

// LocalJobHash computes the attestation-side job hash: SHA-256 over the
// canonical JSON of the job's identifying fields. Distinct from the
// marketplace-supplied jobHash used in the acceptance message.
func LocalJobHash(jobID, description, buyer string, amount float64, currency string, ts int64) string {
	payload, _ := json.Marshal(jobHashPayload{
		JobID:       jobID,
		Description: description,
		Buyer:       buyer,
		Amount:      amount,
		Currency:    currency,
		Timestamp:   ts,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
