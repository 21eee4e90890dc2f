package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanOrderingAndTotals(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Zeta.bin"), []byte("zzzz"))
	writeFile(t, filepath.Join(dir, "alpha.bin"), []byte("aa"))
	writeFile(t, filepath.Join(dir, "data", "level1.pak"), []byte("level-one"))
	writeFile(t, filepath.Join(dir, "Assets", "tex.dat"), []byte("t"))

	entries, tree, err := Scan(dir, "g1")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	// Directories sort before files, case-insensitive within each group.
	wantPaths := []string{"Assets/tex.dat", "data/level1.pak", "alpha.bin", "Zeta.bin"}
	if len(entries) != len(wantPaths) {
		t.Fatalf("expected %d entries, got %d", len(wantPaths), len(entries))
	}
	for i, want := range wantPaths {
		if entries[i].Path != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, entries[i].Path)
		}
	}

	if got := TotalSize(entries); got != 16 {
		t.Errorf("expected total size 16, got %d", got)
	}

	if len(tree) != 4 {
		t.Fatalf("expected 4 top-level tree nodes, got %d", len(tree))
	}
	if tree[0].Type != "directory" || tree[0].Name != "Assets" {
		t.Errorf("expected first node directory Assets, got %s %s", tree[0].Type, tree[0].Name)
	}
	if tree[1].Type != "directory" || tree[1].Name != "data" {
		t.Errorf("expected second node directory data, got %s %s", tree[1].Type, tree[1].Name)
	}
	if tree[2].Name != "alpha.bin" || tree[3].Name != "Zeta.bin" {
		t.Errorf("unexpected file ordering: %s, %s", tree[2].Name, tree[3].Name)
	}
}

func TestScanChecksum(t *testing.T) {
	dir := t.TempDir()
	content := []byte("the quick brown fox")
	writeFile(t, filepath.Join(dir, "a.bin"), content)

	entries, _, err := Scan(dir, "g1")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	sum := sha256.Sum256(content)
	want := "sha256:" + hex.EncodeToString(sum[:])
	if entries[0].Checksum != want {
		t.Errorf("expected checksum %s, got %s", want, entries[0].Checksum)
	}
	if entries[0].DownloadURL != "/download/file/g1/a.bin" {
		t.Errorf("unexpected download url %s", entries[0].DownloadURL)
	}
}

func TestScanMissingRoot(t *testing.T) {
	if _, _, err := Scan(filepath.Join(t.TempDir(), "nope"), "g1"); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestScanFailsOnUnreadableFile(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission bits do not bind for root")
	}
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked.bin")
	writeFile(t, locked, []byte("secret"))
	if err := os.Chmod(locked, 0000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(locked, 0644)

	if _, _, err := Scan(dir, "g1"); err == nil {
		t.Fatal("expected scan to fail on unreadable file, not omit it")
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	if _, err := SafeJoin(root, "../outside.bin"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if _, err := SafeJoin(root, "a/../../outside.bin"); err == nil {
		t.Error("expected nested traversal to be rejected")
	}
	got, err := SafeJoin(root, "data/level1.pak")
	if err != nil {
		t.Fatalf("safe join: %v", err)
	}
	if got != filepath.Join(root, "data", "level1.pak") {
		t.Errorf("unexpected resolved path %s", got)
	}
	// Interior dot-dot segments that stay inside the root are fine.
	if _, err := SafeJoin(root, "data/../other.bin"); err != nil {
		t.Errorf("expected interior traversal staying inside root to resolve: %v", err)
	}
}
