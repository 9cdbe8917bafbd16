package joblog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vap-net/dispatcher/internal/clock"
)

func TestWriteMetaLayout(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "j1", clock.Real{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	meta := Meta{Description: "summarise the docs", Buyer: "buyer@", Amount: 2.5, Currency: "VRSC"}
	if err := l.WriteMeta(meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	for name, want := range map[string]string{
		"description.txt": "summarise the docs",
		"buyer.txt":       "buyer@",
		"amount.txt":      "2.5",
		"currency.txt":    "VRSC",
	} {
		data, err := os.ReadFile(filepath.Join(dir, "j1", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}
}

func TestWriteMetaDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir, "j1", clock.Real{})
	if err := l.WriteMeta(Meta{Description: "first"}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := l.WriteMeta(Meta{Description: "second"}); err != nil {
		t.Fatalf("WriteMeta again: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "j1", "description.txt"))
	if string(data) != "first" {
		t.Errorf("description.txt = %q, want original content kept", data)
	}
}

func TestAppendOrderAndTimestamps(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	l, _ := Open(dir, "j1", clk)

	if err := l.AppendUser("hello", "buyer@", "aabb"); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	if err := l.AppendAssistant("hi there", "aabb", 8100, "gpt-4o-mini"); err != nil {
		t.Fatalf("AppendAssistant: %v", err)
	}
	clk.Advance(3 * time.Second)
	if err := l.AppendEvent("retired", "completed"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	entries, err := l.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].Role != RoleUser || entries[0].Nonce != "aabb" || entries[0].Sender != "buyer@" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Role != RoleAssistant || entries[1].Port != 8100 {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if entries[2].Event != "retired" || entries[2].Reason != "completed" {
		t.Errorf("entries[2] = %+v", entries[2])
	}

	// Timestamps are strictly increasing in append order, even when the
	// clock itself has not moved between appends.
	var prev time.Time
	for i, e := range entries {
		ts, err := time.Parse(time.RFC3339Nano, e.TS)
		if err != nil {
			t.Fatalf("entries[%d].TS = %q: %v", i, e.TS, err)
		}
		if !ts.After(prev) {
			t.Errorf("entries[%d] timestamp %s not after %s", i, ts, prev)
		}
		prev = ts
	}
	first, _ := time.Parse(time.RFC3339Nano, entries[0].TS)
	if !first.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("entries[0].TS = %s, want the injected clock time", entries[0].TS)
	}
}

func TestHashChangesOnAppend(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir, "j1", clock.Real{})

	empty, err := l.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if empty == "" {
		t.Fatal("Hash of empty transcript is empty string")
	}

	if err := l.AppendUser("hello", "buyer@", "n1"); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	h1, _ := l.Hash()
	if h1 == empty {
		t.Error("hash did not change after append")
	}

	if err := l.AppendAssistant("reply", "n1", 8100, "m"); err != nil {
		t.Fatalf("AppendAssistant: %v", err)
	}
	h2, _ := l.Hash()
	if h2 == h1 {
		t.Error("hash did not change after second append")
	}
}

func TestReopenContinuesTranscript(t *testing.T) {
	dir := t.TempDir()
	l1, _ := Open(dir, "j1", clock.Real{})
	if err := l1.AppendUser("before restart", "buyer@", "n1"); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}

	// A restarted dispatcher reopens the same directory and appends a gap
	// marker followed by new turns.
	l2, _ := Open(dir, "j1", clock.Real{})
	if err := l2.AppendEvent("lifecycle_gap", "dispatcher restart"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := l2.AppendUser("after restart", "buyer@", "n2"); err != nil {
		t.Fatalf("AppendUser: %v", err)
	}

	entries, err := l2.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[1].Event != "lifecycle_gap" {
		t.Errorf("entries[1] = %+v, want lifecycle_gap", entries[1])
	}
}
