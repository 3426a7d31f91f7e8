// Package journal records observed navigations and worker versions as JSON
// lines for post-run inspection. Nothing reads the journal back.
package journal

import (
	"errors"

	"github.com/dgnsrekt/swharness/internal/types"
)

// Journal writes navigations.jsonl and versions.jsonl under one directory.
type Journal struct {
	navigations *Writer
	versions    *Writer
}

// New opens a Journal rooted at dir.
func New(dir string, bufferSize, maxSizeMB int) *Journal {
	return &Journal{
		navigations: NewWriter(dir, "navigations", bufferSize, maxSizeMB),
		versions:    NewWriter(dir, "versions", bufferSize, maxSizeMB),
	}
}

// RecordNavigation queues a navigation record. Drops are logged by the writer.
func (j *Journal) RecordNavigation(rec types.NavigationRecord) {
	_ = j.navigations.Write(rec)
}

// RecordVersion queues a worker version record.
func (j *Journal) RecordVersion(rec types.VersionRecord) {
	_ = j.versions.Write(rec)
}

// Close flushes and closes both files.
func (j *Journal) Close() error {
	return errors.Join(j.navigations.Close(), j.versions.Close())
}
