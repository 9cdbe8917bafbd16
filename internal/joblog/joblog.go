// Package joblog persists the per-job directory: metadata files, the
// append-only dispatcher-log.jsonl transcript, and its SHA-256 hash. The
// hash over the raw file bytes is the authoritative transcript digest that
// goes into the deletion attestation and the delivery message.
package joblog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vap-net/dispatcher/internal/clock"
)

// Roles for log entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Entry is one line of the dispatcher log.
type Entry struct {
	TS      string `json:"ts"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
	Port    int    `json:"port,omitempty"`
	Model   string `json:"model,omitempty"`
	Event   string `json:"event,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Meta is the static job metadata written alongside the transcript.
type Meta struct {
	Description string
	Buyer       string
	Amount      float64
	Currency    string
}

const logFileName = "dispatcher-log.jsonl"

// Log owns one job's directory. Appends are serialised by a mutex so the
// transcript stays strictly append-ordered.
type Log struct {
	mu   sync.Mutex
	dir  string
	clk  clock.Clock
	last time.Time
}

// Open creates (or reopens) the job directory under jobsPath and returns its
// Log. Reopening an existing directory is how a restarted dispatcher
// continues a prior transcript.
func Open(jobsPath, jobID string, clk clock.Clock) (*Log, error) {
	dir := filepath.Join(jobsPath, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create job dir %s: %w", dir, err)
	}
	return &Log{dir: dir, clk: clk}, nil
}

// Dir returns the job directory path.
func (l *Log) Dir() string { return l.dir }

// WriteMeta persists the human-readable metadata files. Existing files are
// left alone so a reopened job keeps its original metadata.
func (l *Log) WriteMeta(m Meta) error {
	files := map[string]string{
		"description.txt": m.Description,
		"buyer.txt":       m.Buyer,
		"amount.txt":      strconv.FormatFloat(m.Amount, 'f', -1, 64),
		"currency.txt":    m.Currency,
	}
	for name, content := range files {
		path := filepath.Join(l.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Append writes one entry to the transcript. The timestamp is set here and
// bumped past the previous entry's when the clock has not moved, so entries
// are strictly increasing in append order.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.clk.Now().UTC()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Nanosecond)
	}
	l.last = ts
	e.TS = ts.Format(time.RFC3339Nano)
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(l.dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// AppendUser logs a buyer turn.
func (l *Log) AppendUser(content, sender, nonce string) error {
	return l.Append(Entry{Role: RoleUser, Content: content, Sender: sender, Nonce: nonce})
}

// AppendAssistant logs a sandbox reply.
func (l *Log) AppendAssistant(content, nonce string, port int, model string) error {
	return l.Append(Entry{Role: RoleAssistant, Content: content, Nonce: nonce, Port: port, Model: model})
}

// AppendEvent logs a lifecycle event.
func (l *Log) AppendEvent(event, reason string) error {
	return l.Append(Entry{Role: RoleSystem, Event: event, Reason: reason})
}

// Hash returns the hex SHA-256 over the raw transcript bytes. An absent
// transcript hashes as empty input, so a job that never saw a turn still has
// a well-defined digest.
func (l *Log) Hash() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := sha256.New()
	f, err := os.Open(filepath.Join(l.dir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return hex.EncodeToString(h.Sum(nil)), nil
		}
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash transcript: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entries reads the whole transcript back. Used by tests and the verifier.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(l.dir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("parse transcript: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
