package attest

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vap-net/dispatcher/internal/identity"
)

func testSigner(t *testing.T) (identity.Signer, *identity.Identity) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	id := &identity.Identity{
		AgentID:       "agent-a",
		IdentityName:  "agent-a.vap@",
		Address:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(key)),
	}
	s, err := identity.NewSigner(id)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s, id
}

func sampleCreation() *Creation {
	return &Creation{
		Type:        TypeCreated,
		JobID:       "j1",
		ContainerID: "cid-123",
		AgentID:     "agent-a",
		Identity:    "agent-a.vap@",
		CreatedAt:   time.Unix(1700000000, 0).UTC().Format(time.RFC3339),
		JobHash:     LocalJobHash("j1", "desc", "buyer@", 5, "VRSC", 1700000000),
		MemoryLimit: "2g",
		CPULimit:    1.0,
		MaxLifetime: "1h0m0s",
		PrivacyTier: "standard",
	}
}

func TestCreationSignVerifyRoundTrip(t *testing.T) {
	signer, id := testSigner(t)
	c := sampleCreation()

	if err := c.Sign(signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if c.Signature == "" {
		t.Fatal("Sign left signature empty")
	}

	ok, err := c.Verify(id)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("Verify = false for freshly signed document")
	}

	// Any payload mutation breaks the signature.
	c.ContainerID = "cid-other"
	ok, err = c.Verify(id)
	if err == nil && ok {
		t.Error("Verify = true after payload mutation")
	}
}

func TestDeletionSignVerifyRoundTrip(t *testing.T) {
	signer, id := testSigner(t)
	d := &Deletion{
		Type:             TypeDestroyedTimeout,
		JobID:            "j1",
		ContainerID:      "cid-123",
		CreatedAt:        "2026-01-01T00:00:00Z",
		DestroyedAt:      "2026-01-01T01:00:00Z",
		DataVolumes:      []string{"/wiki", "/tmp"},
		DeletionMethod:   "container-remove-volumes",
		TranscriptSHA256: "abc123",
		Reason:           "timeout",
	}
	if err := d.Sign(signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := d.Verify(id)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v", ok, err)
	}
}

func TestWriteAndReadBack(t *testing.T) {
	signer, id := testSigner(t)
	dir := t.TempDir()

	c := sampleCreation()
	if err := c.Sign(signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := WriteFile(dir, CreationFile, c); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := ReadCreation(dir)
	if err != nil {
		t.Fatalf("ReadCreation: %v", err)
	}
	ok, err := got.Verify(id)
	if err != nil || !ok {
		t.Fatalf("round-tripped Verify = %v, %v", ok, err)
	}
	if got.JobID != "j1" || got.Type != TypeCreated {
		t.Errorf("read back %+v", got)
	}
}

func TestLocalJobHashStable(t *testing.T) {
	h1 := LocalJobHash("j1", "desc", "buyer@", 5, "VRSC", 1700000000)
	h2 := LocalJobHash("j1", "desc", "buyer@", 5, "VRSC", 1700000000)
	if h1 != h2 {
		t.Error("LocalJobHash is not deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
	if h1 == LocalJobHash("j2", "desc", "buyer@", 5, "VRSC", 1700000000) {
		t.Error("different jobs hash identically")
	}
}
