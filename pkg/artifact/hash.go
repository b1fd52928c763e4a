package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// HashDir computes the content hash of a version directory: sha256 over
// all regular files sorted by relative path, each file contributing its
// path followed by its bytes. The metadata sidecar records the hash and is
// excluded. Two directories with identical payloads under different names
// hash differently.
func HashDir(dir string) (string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if rel == MetadataFileName {
			return nil
		}

		files = append(files, rel)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking %s: %w", dir, err)
	}

	sort.Strings(files)

	h := sha256.New()

	for _, rel := range files {
		h.Write([]byte(rel))
		h.Write([]byte{0})

		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", rel, err)
		}

		if _, err := io.Copy(h, f); err != nil {
			f.Close()

			return "", fmt.Errorf("hashing %s: %w", rel, err)
		}

		f.Close()
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
