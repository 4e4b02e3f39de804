package hasher_test

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/hasher"
)

func TestHashFileIsDeterministic(t *testing.T) {
	h1, err := hasher.HashFile(strings.NewReader("hello world"))
	require.NoError(t, err)
	h2, err := hasher.HashFile(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := hasher.HashFile(strings.NewReader("hello world!"))
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func buildZip(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestHashZipEqualForEquivalentArchives(t *testing.T) {
	filesA := map[string]string{
		"index.js":       "console.log(1)",
		"assets/logo.png": "binarydata",
	}
	filesB := map[string]string{
		// Same content; buildZip ranges over the map, so the archive
		// order of the two zips is not fixed. The hash must agree
		// because manifest entries are sorted by path before hashing.
		"assets/logo.png": "binarydata",
		"index.js":        "console.log(1)",
	}

	ra := buildZip(t, filesA)
	rb := buildZip(t, filesB)

	zra, err := zip.NewReader(ra, ra.Size())
	require.NoError(t, err)
	zrb, err := zip.NewReader(rb, rb.Size())
	require.NoError(t, err)

	hashA, manifestA, err := hashZipFromReader(zra)
	require.NoError(t, err)
	hashB, manifestB, err := hashZipFromReader(zrb)
	require.NoError(t, err)

	require.Equal(t, hashA, hashB)
	require.Len(t, manifestA, 2)
	require.Len(t, manifestB, 2)
}

func TestHashZipExcludesMacOSXEntries(t *testing.T) {
	withJunk := buildZip(t, map[string]string{
		"index.js":             "console.log(1)",
		"__MACOSX/._index.js":  "junk",
	})
	without := buildZip(t, map[string]string{
		"index.js": "console.log(1)",
	})

	zrWithJunk, err := zip.NewReader(withJunk, withJunk.Size())
	require.NoError(t, err)
	zrWithout, err := zip.NewReader(without, without.Size())
	require.NoError(t, err)

	hashWithJunk, _, err := hashZipFromReader(zrWithJunk)
	require.NoError(t, err)
	hashWithout, _, err := hashZipFromReader(zrWithout)
	require.NoError(t, err)

	require.Equal(t, hashWithout, hashWithJunk)
}

// hashZipFromReader exercises the same manifest/hash computation HashZip
// uses, via an in-memory *zip.Reader so tests don't need a temp file.
func hashZipFromReader(zr *zip.Reader) (string, []hasher.ManifestEntry, error) {
	return hasher.HashZipReader(zr)
}
