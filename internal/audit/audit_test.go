package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "audit.jsonl")
}

func TestAppendAndVerify(t *testing.T) {
	path := tempLog(t)
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := log.Append(Record{Action: ActionLogin, Actor: "10.0.0.5"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Seq != 1 || first.PrevHash != GenesisHash {
		t.Errorf("first entry = seq %d prev %q", first.Seq, first.PrevHash)
	}

	second, err := log.Append(Record{
		Action: ActionBlockIP,
		Actor:  "10.0.0.5",
		Detail: map[string]any{"ip": "203.0.113.9"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.PrevHash != first.EventHash {
		t.Error("second entry does not chain to the first")
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].Record.Detail["ip"] != "203.0.113.9" {
		t.Errorf("detail = %v", entries[1].Record.Detail)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := tempLog(t)

	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := log.Append(Record{Action: ActionConfigSave, Actor: "127.0.0.1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	log.Close()

	log, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, err := log.Append(Record{Action: ActionDatabaseReset, Actor: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	log.Close()

	if e.Seq != 2 {
		t.Errorf("seq after reopen = %d, want 2", e.Seq)
	}
	if _, err := Verify(path); err != nil {
		t.Fatalf("Verify after reopen: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := tempLog(t)

	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log.Append(Record{Action: ActionBlockIP, Actor: "a", Detail: map[string]any{"ip": "198.51.100.1"}})
	log.Append(Record{Action: ActionUnblockIP, Actor: "a", Detail: map[string]any{"ip": "198.51.100.1"}})
	log.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(raw), "198.51.100.1", "198.51.100.2", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Verify(path); err == nil {
		t.Fatal("tampered log verified clean")
	}
}
