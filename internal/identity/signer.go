package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs marketplace messages on behalf of one identity. The signature
// scheme is secp256k1 over the SHA-256 digest of the exact message bytes,
// encoded base64.
type Signer interface {
	// SignMessage signs the exact message string.
	SignMessage(msg string) (string, error)
	// Identity returns the identity the signatures belong to.
	Identity() *Identity
}

type keySigner struct {
	id *Identity
}

// NewSigner builds a Signer from an identity's key material.
func NewSigner(id *Identity) (Signer, error) {
	// Parse eagerly so a bad key fails at startup, not on first accept.
	if _, err := crypto.HexToECDSA(id.PrivateKeyHex); err != nil {
		return nil, fmt.Errorf("identity %s: bad private key: %w", id.AgentID, err)
	}
	return &keySigner{id: id}, nil
}

func (s *keySigner) Identity() *Identity { return s.id }

func (s *keySigner) SignMessage(msg string) (string, error) {
	key, err := crypto.HexToECDSA(s.id.PrivateKeyHex)
	if err != nil {
		return "", fmt.Errorf("parse key: %w", err)
	}
	digest := sha256.Sum256([]byte(msg))
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature produced by SignMessage against the
// identity's address. Used by tests and by attestation verification.
func Verify(id *Identity, msg, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(msg))
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return false, fmt.Errorf("recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex() == id.Address, nil
}
