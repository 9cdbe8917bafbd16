// Package identity loads and manages the pool of pre-registered marketplace
// identities. Each identity lives in its own directory under AGENTS_DIR with
// a keys.json holding the signing key material. Identities are immutable
// after provisioning; the pool size caps parallel jobs.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Identity is one pre-registered marketplace identity.
type Identity struct {
	AgentID       string `json:"agentId"`
	IdentityName  string `json:"identityName"`
	Address       string `json:"address"`
	IAddress      string `json:"iAddress"`
	WIF           string `json:"wif"`
	PrivateKeyHex string `json:"privateKeyHex"`
	Network       string `json:"network"`
}

// keysFileName is the per-agent key store inside the agent directory.
const keysFileName = "keys.json"

// LoadFile reads a single keys.json. The file must be mode 0600 or tighter;
// anything looser is rejected because the WIF grants spend authority.
func LoadFile(path string) (*Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%s has mode %o, want 0600", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if id.AgentID == "" || id.IdentityName == "" || id.PrivateKeyHex == "" {
		return nil, fmt.Errorf("%s: agentId, identityName and privateKeyHex are required", path)
	}
	return &id, nil
}

// LoadDir walks an agents directory and loads every <agentId>/keys.json.
// Entries without a keys.json are skipped. Results are sorted by agent ID so
// the assignment order is stable across restarts.
func LoadDir(dir string) ([]*Identity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir %s: %w", dir, err)
	}

	var ids []*Identity
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), keysFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		id, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].AgentID < ids[j].AgentID })
	return ids, nil
}
