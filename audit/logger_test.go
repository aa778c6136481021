package audit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/valet/vault"
)

func newTestLogger(t *testing.T) (*Logger, *vault.Store) {
	t.Helper()
	store, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.EnsureTree(); err != nil {
		t.Fatalf("EnsureTree: %v", err)
	}
	return NewLogger(store), store
}

func TestLogger_AppendWritesNDJSONAndMirror(t *testing.T) {
	logger, store := newTestLogger(t)

	ts := time.Date(2026, 2, 15, 3, 1, 0, 0, time.UTC)
	entries := []Entry{
		{Timestamp: ts, ActionType: "dry_run", Actor: ActorAI, Target: "gmail:client@example.com", Result: ResultDryRun},
		{Timestamp: ts.Add(time.Second), ActionType: "send_email", Actor: ActorAI, Result: ResultOK, DurationMS: 412},
	}
	for _, e := range entries {
		if err := logger.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	data, err := store.Read(path.Join(vault.LogsDir, "2026-02-15.json"))
	if err != nil {
		t.Fatalf("Read log: %v", err)
	}

	var got []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("log has %d entries, want 2", len(got))
	}
	if strings.Contains(got[0].Target, "@") {
		t.Errorf("target not redacted in durable log: %s", got[0].Target)
	}
	if got[1].DurationMS != 412 {
		t.Errorf("duration_ms = %d, want 412", got[1].DurationMS)
	}

	mirror, err := store.Read(vault.SystemLogFile)
	if err != nil {
		t.Fatalf("Read mirror: %v", err)
	}
	if !strings.Contains(string(mirror), "send_email") {
		t.Errorf("mirror missing entry: %s", mirror)
	}
	if strings.Contains(string(mirror), "client@example.com") {
		t.Error("mirror leaks unredacted target")
	}
}

func TestLogger_AppendRequiresResult(t *testing.T) {
	logger, _ := newTestLogger(t)

	if err := logger.Append(Entry{ActionType: "noop", Actor: ActorAI}); err == nil {
		t.Fatal("entry without result accepted")
	}
}

func TestLogger_ArchiveOld(t *testing.T) {
	logger, store := newTestLogger(t)

	old := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{old, recent} {
		if err := logger.Append(Entry{Timestamp: ts, ActionType: "watcher_run", Actor: ActorWatcher("gmail"), Result: ResultOK}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	archived, err := logger.ArchiveOld(now, 90)
	if err != nil {
		t.Fatalf("ArchiveOld: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived %d files, want 1", archived)
	}

	if ok, _ := store.Exists(path.Join(vault.LogsDir, "2025-10-01.json")); ok {
		t.Error("archived file still present uncompressed")
	}
	if ok, _ := store.Exists(path.Join(vault.LogsDir, "2026-02-14.json")); !ok {
		t.Error("recent file was archived")
	}

	gz, err := store.Read(path.Join(vault.LogsArchiveDir, "2025-10-01.json.gz"))
	if err != nil {
		t.Fatalf("Read archive: %v", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.Contains(string(plain), "watcher_run") {
		t.Error("archive does not contain original entries")
	}
}
