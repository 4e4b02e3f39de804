// Package hasher computes the deterministic package hash of spec §4.D,
// from either a flat file or a ZIP archive's per-file manifest. It is
// pure and I/O-free except for reading the bytes handed to it; hashing
// is CPU-bound and safe to run on a bounded worker pool.
package hasher

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
	"strings"
)

// ManifestEntry is one file's contribution to a ZIP package hash. Path is
// archive-relative; Hash is the SHA-256 hex digest of the entry's
// inflated contents.
type ManifestEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// ignoredPrefixes are archive paths excluded from hashing: macOS resource
// forks and bare directory entries carry no content.
var ignoredPrefixes = []string{"__MACOSX/", "__MACOSX\\"}

// HashFile computes the package hash of a flat (non-ZIP) payload: the
// SHA-256 of its bytes.
func HashFile(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashZip computes the package hash of a ZIP archive at path: SHA-256 of
// each entry, paired with its archive-relative path, ordered
// deterministically by path and hashed once more. It also returns the
// manifest so callers can persist it alongside the bundle for clients
// and the differ to recompute byte-for-byte.
func HashZip(path string) (hash string, manifest []ManifestEntry, err error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", nil, err
	}
	defer zr.Close()

	return HashZipReader(&zr.Reader)
}

// HashZipReader is HashZip's core, exposed so callers already holding an
// open *zip.Reader (and tests building one in memory) can reuse it
// without a round trip through the filesystem.
func HashZipReader(zr *zip.Reader) (string, []ManifestEntry, error) {
	manifest := make([]ManifestEntry, 0, len(zr.File))

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if isIgnored(f.Name) {
			continue
		}

		entryHash, err := hashZipEntry(f)
		if err != nil {
			return "", nil, err
		}
		manifest = append(manifest, ManifestEntry{Path: f.Name, Hash: entryHash})
	}

	sort.Slice(manifest, func(i, j int) bool { return manifest[i].Path < manifest[j].Path })

	h := sha256.New()
	for _, entry := range manifest {
		h.Write([]byte(entry.Path))
		h.Write([]byte{0})
		h.Write([]byte(entry.Hash))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), manifest, nil
}

func hashZipEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return HashFile(rc)
}

func isIgnored(name string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// MarshalManifest serializes a manifest the way it is persisted
// alongside a bundle's blob, so clients and the differ can recompute it
// byte-for-byte.
func MarshalManifest(manifest []ManifestEntry) ([]byte, error) {
	return json.Marshal(manifest)
}
