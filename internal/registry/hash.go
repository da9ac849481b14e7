package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// HashPath fingerprints the content of path for watch-reload detection.
// A file hashes its bytes; a directory hashes every regular file under it in
// walk order together with its relative path. A missing or unreadable path
// yields the empty string, which simply reads as "changed" once it appears.
func HashPath(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	h := sha256.New()
	if info.IsDir() {
		err = filepath.WalkDir(path, func(sub string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, _ := filepath.Rel(path, sub)
			io.WriteString(h, rel)
			f, err := os.Open(sub)
			if err != nil {
				return nil
			}
			defer f.Close()
			io.Copy(h, f)
			return nil
		})
		if err != nil {
			return ""
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return ""
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return ""
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// resolveWatchPath joins a relative watch path onto the process cwd.
func resolveWatchPath(cwd, watch string) string {
	if filepath.IsAbs(watch) {
		return watch
	}
	return filepath.Join(cwd, watch)
}
