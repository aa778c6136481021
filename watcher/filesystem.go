package watcher

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/valet/checkpoint"
	"github.com/c360studio/valet/intake"
	"github.com/c360studio/valet/vault"
)

// FilesystemSource scans Inbox/ for files dropped by the human. Each
// unwrapped file gets a wrapper Inbox/inbox__<origname>__<ts>.md; the
// id carries the mtime so an edited file is perceived again.
type FilesystemSource struct {
	store *vault.Store
}

// NewFilesystemSource creates the Inbox/ scanner.
func NewFilesystemSource(store *vault.Store) *FilesystemSource {
	return &FilesystemSource{store: store}
}

// Name returns "filesystem".
func (s *FilesystemSource) Name() string { return "filesystem" }

// Fetch lists Inbox/ files that are not wrappers themselves.
func (s *FilesystemSource) Fetch(ctx context.Context, cp *checkpoint.Checkpoint) ([]intake.Item, error) {
	names, err := s.store.List(path.Join(vault.InboxDir, "*"))
	if err != nil {
		return nil, err
	}

	var items []intake.Item
	for _, rel := range names {
		base := path.Base(rel)
		if strings.HasPrefix(base, "inbox__") || strings.HasPrefix(base, ".") {
			continue
		}
		abs := filepath.Join(s.store.Root(), filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		mtime := info.ModTime().UTC()

		excerpt := ""
		if data, err := s.store.Read(rel); err == nil {
			excerpt = string(data)
		}

		wrapper := fmt.Sprintf("inbox__%s__%s.md", sanitizeName(base), intake.Timestamp(mtime))
		items = append(items, intake.Item{
			ID:         fmt.Sprintf("%s|%d", abs, mtime.Unix()),
			Source:     "filesystem",
			ReceivedAt: mtime,
			FilePath:   path.Join(vault.InboxDir, wrapper),
			Type:       intake.TypeDocument,
			Subject:    base,
			Excerpt:    excerpt,
			RawRef:     rel,
		})
	}
	return items, nil
}

// sanitizeName keeps the original file name readable inside the wrapper
// name while staying filesystem-safe.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "\\", "-")
	return strings.ReplaceAll(name, " ", "-")
}

// RunWithNotify runs the filesystem watcher loop with inotify wakeups:
// events on Inbox/ trigger an immediate pass (debounced), the ticker
// remains as a safety net for missed events.
func RunWithNotify(ctx context.Context, r *Runner, store *vault.Store, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Join(store.Root(), vault.InboxDir)); err != nil {
		return fmt.Errorf("watch Inbox/: %w", err)
	}

	_ = r.pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: editors and copies emit event bursts.
			if pending == nil {
				pending = time.NewTimer(debounce)
				pendingC = pending.C
			} else {
				pending.Reset(debounce)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			_ = r.pass(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("inbox watch error", "error", err)
		case <-ticker.C:
			_ = r.pass(ctx)
		}
	}
}
