package actor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/orpaynter/opaudit/internal/audit"
)

func entry(actor, action, ts string, md map[string]any) audit.Entry {
	return audit.Entry{Actor: actor, ActionType: action, Timestamp: ts, Metadata: md}
}

func TestNewRegistry_NonexistentFile(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))
	if err != nil {
		t.Fatalf("NewRegistry with nonexistent file should not error: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_Record_AutoRegisters(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Record(entry("USER", "LOGIN", "2026-03-01T10:00:00.000000Z", nil))

	a, err := r.Get("USER")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "USER" || a.Stats.Entries != 1 || a.LastActionType != "LOGIN" {
		t.Errorf("unexpected actor: %+v", a)
	}
	if !a.FirstSeen.Equal(a.LastSeen) || a.FirstSeen.IsZero() {
		t.Errorf("first/last seen should both be the entry time: %+v", a)
	}
}

func TestRegistry_Record_UpdatesExisting(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Record(entry("AI_AGENT", "ESTIMATE", "2026-03-01T10:00:00.000000Z", nil))
	r.Record(entry("AI_AGENT", "CLAIM", "2026-03-01T11:00:00.000000Z", nil))

	a, _ := r.Get("AI_AGENT")
	if a.Stats.Entries != 2 || a.LastActionType != "CLAIM" {
		t.Errorf("unexpected stats: %+v", a)
	}
	if a.LastSeen.Hour() != 11 || a.FirstSeen.Hour() != 10 {
		t.Errorf("seen times: first=%v last=%v", a.FirstSeen, a.LastSeen)
	}
}

func TestRegistry_Record_OutOfOrder(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Record(entry("AI_AGENT", "CLAIM", "2026-03-01T11:00:00.000000Z", nil))
	r.Record(entry("AI_AGENT", "ESTIMATE", "2026-03-01T10:00:00.000000Z", nil))

	a, _ := r.Get("AI_AGENT")
	if a.Stats.Entries != 2 {
		t.Errorf("both entries should count: %+v", a.Stats)
	}
	if a.LastActionType != "CLAIM" || a.LastSeen.Hour() != 11 {
		t.Errorf("an older entry must not replace the last action: %+v", a)
	}
}

func TestRegistry_Record_Errors(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Record(entry("SYSTEM", "X", "", map[string]any{"status_code": 200}))
	r.Record(entry("SYSTEM", "X", "", map[string]any{"status_code": 500}))
	r.Record(entry("SYSTEM", "X", "", map[string]any{"status_code": float64(503)}))
	r.Record(entry("SYSTEM", "X", "", map[string]any{"status_code": json.Number("502")}))
	r.Record(entry("SYSTEM", "X", "", map[string]any{"exception": true}))
	r.Record(entry("SYSTEM", "X", "", map[string]any{"status_code": "500"}))

	a, _ := r.Get("SYSTEM")
	if a.Stats.Entries != 6 {
		t.Errorf("entries: expected 6, got %d", a.Stats.Entries)
	}
	if a.Stats.Errors != 4 {
		t.Errorf("errors: expected 4, got %d", a.Stats.Errors)
	}
}

func TestRegistry_Get_NotFound(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))
	if _, err := r.Get("nobody"); err == nil {
		t.Error("expected error for unknown actor")
	}
}

func TestRegistry_List(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))
	r.Record(entry("USER", "X", "", nil))
	r.Record(entry("AI_AGENT", "X", "", nil))
	r.Record(entry("OPERATOR", "X", "", nil))

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 actors, got %d", len(list))
	}
	if list[0].Name != "AI_AGENT" || list[1].Name != "OPERATOR" || list[2].Name != "USER" {
		t.Errorf("list should be sorted by name: %v", list)
	}
}

func TestRegistry_Rebuild(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))
	r.Record(entry("STALE", "X", "", nil))

	r.Rebuild([]audit.Entry{
		entry("USER", "LOGIN", "2026-03-01T10:00:00.000000Z", nil),
		entry("USER", "LOGOUT", "2026-03-01T12:00:00.000000Z", nil),
	})

	if _, err := r.Get("STALE"); err == nil {
		t.Error("rebuild should drop previous stats")
	}
	a, _ := r.Get("USER")
	if a.Stats.Entries != 2 || a.LastActionType != "LOGOUT" {
		t.Errorf("unexpected rebuilt actor: %+v", a)
	}
}

func TestRegistry_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actors.yaml")

	r, _ := NewRegistry(path)
	r.Record(entry("USER", "LOGIN", "2026-03-01T10:00:00.000000Z", map[string]any{"exception": true}))
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}

	r2, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := r2.Get("USER")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "USER" || a.Stats.Entries != 1 || a.Stats.Errors != 1 || a.LastActionType != "LOGIN" {
		t.Errorf("reloaded actor mismatch: %+v", a)
	}
}

func TestRegistry_FedByAuditLog(t *testing.T) {
	log, err := audit.Open(t.TempDir(), audit.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))
	log.OnAppend(r.Record)

	for i := 0; i < 3; i++ {
		if _, err := log.Append(context.Background(), audit.Record{Actor: "AI_AGENT", ActionType: "ESTIMATE"}); err != nil {
			t.Fatal(err)
		}
	}

	a, err := r.Get("AI_AGENT")
	if err != nil {
		t.Fatal(err)
	}
	if a.Stats.Entries != 3 {
		t.Errorf("expected 3 entries, got %d", a.Stats.Entries)
	}
}
