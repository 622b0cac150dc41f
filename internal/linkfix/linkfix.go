// Package linkfix repairs the naming mismatch between the platform
// directory names native modules are looked up under and the names they
// actually ship with. It runs at install time, before the app starts.
package linkfix

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// DefaultMap maps the expected platform directory name to the name the
// upstream build actually ships.
var DefaultMap = map[string]string{
	"darwin-arm64": "mac-arm64",
	"darwin-x64":   "mac-x64",
	"linux-arm64":  "linux-aarch64",
}

// Repair creates each missing expected directory as a symlink to its
// shipped counterpart, falling back to a recursive copy where symlinks
// are unavailable. Entries whose shipped directory is absent, or whose
// expected name already exists, are skipped. Individual failures are
// logged and do not stop the remaining entries; Repair never fails the
// caller.
func Repair(dir string, mapping map[string]string, log *zap.Logger) {
	for expected, actual := range mapping {
		actualPath := filepath.Join(dir, actual)
		expectedPath := filepath.Join(dir, expected)

		if _, err := os.Stat(actualPath); err != nil {
			continue
		}
		// Lstat so an existing symlink counts as present.
		if _, err := os.Lstat(expectedPath); err == nil {
			log.Debug("link already present", zap.String("expected", expected))
			continue
		}

		if err := os.Symlink(actual, expectedPath); err == nil {
			log.Info("linked platform directory",
				zap.String("expected", expected),
				zap.String("actual", actual))
			continue
		}

		if err := copyTree(actualPath, expectedPath); err != nil {
			log.Warn("link repair failed",
				zap.String("expected", expected),
				zap.String("actual", actual),
				zap.Error(err))
			os.RemoveAll(expectedPath)
			continue
		}
		log.Info("copied platform directory",
			zap.String("expected", expected),
			zap.String("actual", actual))
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

// copyFile streams src to dst. Native module payloads can be large;
// never buffer them whole.
func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
