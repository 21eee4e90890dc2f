// Package catalog builds the authoritative file listing for a game
// directory: an ordered flat list used for transfer accounting and a
// nested tree used for display.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gamedepot/gamedepot/internal/bufpool"
)

// ErrPathEscapesRoot indicates a requested path resolves outside the
// game root directory.
var ErrPathEscapesRoot = errors.New("path escapes game root")

// hashBufSize is the read size used while hashing. Any size yields the
// same digest; this only bounds memory per scan.
const hashBufSize = 64 * 1024

var hashBufs = bufpool.New(hashBufSize)

// Entry represents a single file under a game root. Field names follow
// the wire contract of GET /games/{id}.
type Entry struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"`
	RelativePath string `json:"relative_path"`
	DownloadURL  string `json:"download_url"`
}

// TreeNode is a display-only directory tree node. The flat Entry list
// remains the source of truth for transfer.
type TreeNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Type     string     `json:"type"`
	Size     int64      `json:"size,omitempty"`
	Checksum string     `json:"checksum,omitempty"`
	Children []TreeNode `json:"children,omitempty"`
}

// Scan walks the directory tree rooted at rootDir and produces the
// ordered entry list and the display tree. Within each directory,
// subdirectories sort before files and each group sorts by
// case-insensitive name. Any read or hash failure fails the whole scan:
// silently omitting a file would corrupt the client's size accounting.
func Scan(rootDir, gameID string) ([]Entry, []TreeNode, error) {
	info, err := os.Stat(rootDir)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot access game root: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("game root is not a directory: %s", rootDir)
	}

	entries := make([]Entry, 0)
	tree, err := scanDir(rootDir, rootDir, gameID, "", &entries)
	if err != nil {
		return nil, nil, err
	}
	return entries, tree, nil
}

func scanDir(rootDir, dir, gameID, relPrefix string, out *[]Entry) ([]TreeNode, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", dir, err)
	}

	// Directories first, then files; case-insensitive name order within
	// each group.
	sort.Slice(dirEntries, func(i, j int) bool {
		di, dj := dirEntries[i].IsDir(), dirEntries[j].IsDir()
		if di != dj {
			return di
		}
		return strings.ToLower(dirEntries[i].Name()) < strings.ToLower(dirEntries[j].Name())
	})

	tree := make([]TreeNode, 0, len(dirEntries))
	for _, de := range dirEntries {
		rel := de.Name()
		if relPrefix != "" {
			rel = relPrefix + "/" + de.Name()
		}
		full := filepath.Join(dir, de.Name())

		if de.IsDir() {
			children, err := scanDir(rootDir, full, gameID, rel, out)
			if err != nil {
				return nil, err
			}
			tree = append(tree, TreeNode{
				Name:     de.Name(),
				Path:     rel + "/",
				Type:     "directory",
				Children: children,
			})
			continue
		}

		fi, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("cannot stat %s: %w", rel, err)
		}
		sum, err := hashFile(full)
		if err != nil {
			return nil, fmt.Errorf("cannot hash %s: %w", rel, err)
		}
		checksum := "sha256:" + sum

		*out = append(*out, Entry{
			Path:         rel,
			Size:         fi.Size(),
			Checksum:     checksum,
			RelativePath: rel,
			DownloadURL:  fmt.Sprintf("/download/file/%s/%s", gameID, rel),
		})
		tree = append(tree, TreeNode{
			Name:     de.Name(),
			Path:     rel,
			Type:     "file",
			Size:     fi.Size(),
			Checksum: checksum,
		})
	}
	return tree, nil
}

// hashFile streams the file through an incremental SHA-256 accumulator.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := hashBufs.Get(hashBufSize)
	defer hashBufs.Put(buf)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TotalSize returns the sum of all entry sizes.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// SafeJoin resolves rel under rootDir and verifies the result stays a
// descendant of rootDir. Traversal segments yield ErrPathEscapesRoot
// regardless of whether anything exists at the resolved location.
func SafeJoin(rootDir, rel string) (string, error) {
	full := filepath.Join(rootDir, filepath.FromSlash(rel))
	r, err := filepath.Rel(rootDir, full)
	if err != nil {
		return "", ErrPathEscapesRoot
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapesRoot
	}
	return full, nil
}
