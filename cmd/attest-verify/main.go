// attest-verify checks the attestations recorded for a job directory: both
// signatures must verify against the identity's address and the deletion
// attestation's transcript hash must match the transcript on disk.
//
// Usage: attest-verify -job <jobDir> -address <identityAddress>
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vap-net/dispatcher/internal/attest"
	"github.com/vap-net/dispatcher/internal/identity"
)

func main() {
	jobDir := flag.String("job", "", "job directory containing the attestations")
	address := flag.String("address", "", "identity address the attestations were signed with")
	flag.Parse()

	if *jobDir == "" || *address == "" {
		flag.Usage()
		os.Exit(1)
	}

	id := &identity.Identity{Address: *address}
	failed := false

	cre, err := attest.ReadCreation(*jobDir)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "creation attestation: %v\n", err)
		failed = true
	default:
		ok, err := cre.Verify(id)
		if err != nil || !ok {
			fmt.Fprintf(os.Stderr, "creation attestation signature INVALID (err=%v)\n", err)
			failed = true
		} else {
			fmt.Printf("creation attestation OK (job %s, container %s)\n", cre.JobID, cre.ContainerID)
		}
	}

	del, err := attest.ReadDeletion(*jobDir)
	switch {
	case os.IsNotExist(unwrapPathError(err)):
		fmt.Println("deletion attestation not present (job still active?)")
	case err != nil:
		fmt.Fprintf(os.Stderr, "deletion attestation: %v\n", err)
		failed = true
	default:
		ok, verr := del.Verify(id)
		if verr != nil || !ok {
			fmt.Fprintf(os.Stderr, "deletion attestation signature INVALID (err=%v)\n", verr)
			failed = true
		} else {
			fmt.Printf("deletion attestation OK (type %s)\n", del.Type)
		}

		hash, herr := transcriptHash(*jobDir)
		if herr != nil {
			fmt.Fprintf(os.Stderr, "transcript: %v\n", herr)
			failed = true
		} else if hash != del.TranscriptSHA256 {
			fmt.Fprintf(os.Stderr, "transcript hash mismatch: attested %s, on disk %s\n", del.TranscriptSHA256, hash)
			failed = true
		} else {
			fmt.Println("transcript hash OK")
		}
	}

	if failed {
		os.Exit(1)
	}
}

func transcriptHash(jobDir string) (string, error) {
	f, err := os.Open(filepath.Join(jobDir, "dispatcher-log.jsonl"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func unwrapPathError(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(interface{ Unwrap() error }); ok {
		return pe.Unwrap()
	}
	return err
}
