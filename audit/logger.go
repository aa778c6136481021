// Package audit writes the append-only audit trail: newline-delimited
// JSON partitioned by UTC date under Logs/, with a human-readable
// mirror in system_log.md. Every side-effecting call, plan transition,
// watcher run, and approval decision produces exactly one entry, and
// the entry is durable before the originating operation returns.
package audit

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/valet/vault"
)

// Logger appends audit entries to the vault. Writes are serialized;
// callers observe the logger as synchronous.
type Logger struct {
	store *vault.Store

	mu sync.Mutex
}

// NewLogger creates a logger writing into the given vault.
func NewLogger(store *vault.Store) *Logger {
	return &Logger{store: store}
}

// Append redacts, serializes, and durably writes one audit entry, then
// mirrors a one-line summary into system_log.md. An error means the
// entry is not durable and the originating operation must not report
// success.
func (l *Logger) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	if e.Result == "" {
		return fmt.Errorf("audit entry requires a result")
	}

	e = redactEntry(e)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	logPath := path.Join(vault.LogsDir, e.Timestamp.Format("2006-01-02")+".json")
	if err := l.store.Append(logPath, append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := l.store.Append(vault.SystemLogFile, []byte(mirrorLine(e))); err != nil {
		return fmt.Errorf("append audit mirror: %w", err)
	}
	return nil
}

// mirrorLine renders the human-readable markdown mirror of an entry.
func mirrorLine(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- `%s` **%s** by %s", e.Timestamp.Format(time.RFC3339), e.ActionType, e.Actor)
	if e.Target != "" {
		fmt.Fprintf(&b, " on %s", e.Target)
	}
	fmt.Fprintf(&b, " → %s", e.Result)
	if e.Error != "" {
		fmt.Fprintf(&b, " (%s)", e.Error)
	}
	if e.DurationMS > 0 {
		fmt.Fprintf(&b, " [%dms]", e.DurationMS)
	}
	b.WriteByte('\n')
	return b.String()
}
