// Package audit records operator actions taken through the dashboard
// (logins, config edits, firewall changes, database resets) as an
// append-only, tamper-evident JSONL file. Entries are SHA-256 hash-chained:
// each line carries the hash of the previous line's content, so any
// retroactive edit breaks the chain and is caught by Verify.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a fresh log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Operator actions recorded by the dashboard.
const (
	ActionLogin         = "login"
	ActionLoginFailed   = "login_failed"
	ActionConfigService = "config_service_update"
	ActionConfigGlobal  = "config_global_update"
	ActionConfigSave    = "config_save"
	ActionBlockIP       = "firewall_block"
	ActionUnblockIP     = "firewall_unblock"
	ActionDatabaseReset = "database_reset"
	ActionAlertAck      = "alert_ack"
)

// Record is one operator action.
type Record struct {
	Action string         `json:"action"`
	Actor  string         `json:"actor"` // remote address of the operator
	Detail map[string]any `json:"detail,omitempty"`
}

// Entry is one verified line of the log.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// entryContent is the hashed subset: everything except EventHash.
type entryContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
}

// Log is an append-only operator audit log. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens or creates the log at path. An existing file is scanned so the
// chain continues from its tail; a broken chain is an error.
func Open(path string) (*Log, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := Verify(path)
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			prevHash = entries[n-1].EventHash
			seq = entries[n-1].Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	return &Log{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append writes one action to the log and returns the committed entry.
func (l *Log) Append(r Record) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: time.Now().UTC(),
		Record:    r,
		PrevHash:  l.prevHash,
	}
	e.EventHash = hashContent(entryContent{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Record:    e.Record,
		PrevHash:  e.PrevHash,
	})

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path and checks the full hash chain, returning the
// ordered entries. An empty or absent-but-creatable file verifies trivially.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", prevSeq(entries), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Record:    e.Record,
			PrevHash:  e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
	}
	return entries, scanner.Err()
}

func prevSeq(entries []Entry) int64 {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Seq
}

// hashContent computes the SHA-256 hex digest of the JSON-marshalled content.
func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// All entryContent fields are JSON-serialisable.
		panic(fmt.Sprintf("audit: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
