package audit

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"path"
	"time"

	"github.com/c360studio/valet/vault"
)

// DefaultRetentionDays is how long daily audit files stay uncompressed
// under Logs/ before being moved to the gzip archive.
const DefaultRetentionDays = 90

// ArchiveOld compresses daily audit files older than the retention
// window into Logs/archive/<date>.json.gz and removes the originals.
// Entries are never deleted. Returns the number of files archived.
func (l *Logger) ArchiveOld(now time.Time, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)

	files, err := l.store.List(vault.LogsDir + "/*.json")
	if err != nil {
		return 0, fmt.Errorf("list audit files: %w", err)
	}

	archived := 0
	for _, rel := range files {
		name := path.Base(rel)
		day, err := time.Parse("2006-01-02.json", name)
		if err != nil {
			continue // not a daily audit file
		}
		if !day.Before(cutoff) {
			continue
		}

		data, err := l.store.Read(rel)
		if err != nil {
			return archived, fmt.Errorf("read %s: %w", rel, err)
		}

		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return archived, fmt.Errorf("compress %s: %w", rel, err)
		}
		if err := gz.Close(); err != nil {
			return archived, fmt.Errorf("compress %s: %w", rel, err)
		}

		dst := path.Join(vault.LogsArchiveDir, name+".gz")
		if err := l.store.WriteAtomic(dst, buf.Bytes()); err != nil {
			return archived, fmt.Errorf("write archive %s: %w", dst, err)
		}
		if err := l.store.Delete(rel); err != nil {
			return archived, fmt.Errorf("remove archived %s: %w", rel, err)
		}
		archived++
	}
	return archived, nil
}
