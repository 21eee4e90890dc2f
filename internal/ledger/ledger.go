// Package ledger persists per-file download progress for an install
// directory, enabling resume across restarts and crashes. Absence of
// the ledger file means "nothing in progress", not "never downloaded".
package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// FileName is the ledger file colocated with downloaded content.
const FileName = ".download_progress.json"

// Entry tracks one file: its declared size from the catalog and the
// bytes already written locally. The local file's real length must
// always match Downloaded; the downloader writes bytes before it
// advances the counter, never the other way around.
type Entry struct {
	Size       int64 `json:"size"`
	Downloaded int64 `json:"downloaded"`
}

// Ledger maps relative file paths to their progress entries.
type Ledger map[string]Entry

// Path returns the ledger file path for an install directory.
func Path(installDir string) string {
	return filepath.Join(installDir, FileName)
}

// Load reads the ledger for installDir. A missing or unparseable file
// yields an empty ledger: a corrupt ledger means "start over", never a
// fatal error.
func Load(installDir string) Ledger {
	data, err := os.ReadFile(Path(installDir))
	if err != nil {
		return Ledger{}
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil || l == nil {
		return Ledger{}
	}
	return l
}

// Save persists the ledger via write-to-temp-then-rename so a crash
// mid-save leaves either the old or the new content, never a torn file.
func Save(installDir string, l Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	path := Path(installDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Delete removes the ledger file. Called once every entry is complete.
func Delete(installDir string) error {
	return os.Remove(Path(installDir))
}

// TotalDownloaded returns the sum of bytes written across all entries.
func (l Ledger) TotalDownloaded() int64 {
	var total int64
	for _, e := range l {
		total += e.Downloaded
	}
	return total
}

// Complete reports whether every entry has reached its declared size.
func (l Ledger) Complete() bool {
	for _, e := range l {
		if e.Downloaded < e.Size {
			return false
		}
	}
	return true
}

// Ensure adds an entry for relPath if it is not yet tracked. If the
// local file already exists at exactly the declared size, the entry is
// seeded as complete so content from a prior untracked run is not
// fetched again.
func (l Ledger) Ensure(installDir, relPath string, size int64) {
	if _, ok := l[relPath]; ok {
		return
	}
	e := Entry{Size: size}
	local := filepath.Join(installDir, filepath.FromSlash(relPath))
	if fi, err := os.Stat(local); err == nil && !fi.IsDir() && fi.Size() == size {
		e.Downloaded = size
	}
	l[relPath] = e
}
