// Package unpack extracts downloaded archives into the staging tree and
// flattens the wrapping directory upstream releases put around their
// payload files.
package unpack

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrExtraction marks a corrupt archive or a payload missing its
// expected member files.
var ErrExtraction = errors.New("extraction failed")

// ModelSuffixes are the member files a model release is expected to
// carry: the network weights, metadata text, and any native libraries.
var ModelSuffixes = []string{".onnx", ".bin", ".txt", ".so", ".dylib"}

// Extract unpacks a gzipped tarball into targetDir.
func Extract(archivePath, targetDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrExtraction, archivePath, err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: decompressing %s: %v", ErrExtraction, archivePath, err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrExtraction, archivePath, err)
		}

		target, err := safeJoin(targetDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %v", ErrExtraction, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("%w: %v", ErrExtraction, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrExtraction, err)
			}
			if _, err := io.Copy(f, tarReader); err != nil {
				f.Close()
				return fmt.Errorf("%w: writing %s: %v", ErrExtraction, target, err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := checkLink(targetDir, header.Name, header.Linkname); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("%w: %v", ErrExtraction, err)
			}
		}
	}
	return nil
}

// Flatten relocates member files matching suffixes from targetDir's
// extracted subdirectories up into targetDir itself, then removes the
// subdirectories. Upstream model releases wrap everything in a single
// versioned directory; consumers expect the files at the root.
// It returns the number of files moved; zero matches is an
// ErrExtraction since the payload the caller asked for is absent.
func Flatten(targetDir string, suffixes []string) (int, error) {
	entries, err := os.ReadDir(targetDir)
	if err != nil {
		return 0, fmt.Errorf("%w: reading %s: %v", ErrExtraction, targetDir, err)
	}

	moved := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		subdir := filepath.Join(targetDir, entry.Name())

		err := filepath.WalkDir(subdir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if !matchesSuffix(d.Name(), suffixes) {
				return nil
			}
			dest := filepath.Join(targetDir, d.Name())
			if err := os.Rename(path, dest); err != nil {
				return err
			}
			moved++
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("%w: relocating from %s: %v", ErrExtraction, subdir, err)
		}

		if err := os.RemoveAll(subdir); err != nil {
			return moved, fmt.Errorf("%w: removing %s: %v", ErrExtraction, subdir, err)
		}
	}

	if moved == 0 {
		return 0, fmt.Errorf("%w: no files matching %v under %s", ErrExtraction, suffixes, targetDir)
	}
	return moved, nil
}

// Members lists the base names of regular archive members matching
// suffixes without extracting anything. Callers use it to detect that a
// payload is already staged.
func Members(archivePath string, suffixes []string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrExtraction, archivePath, err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing %s: %v", ErrExtraction, archivePath, err)
	}
	defer gzReader.Close()

	var names []string
	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrExtraction, archivePath, err)
		}
		if header.Typeflag == tar.TypeReg && matchesSuffix(filepath.Base(header.Name), suffixes) {
			names = append(names, filepath.Base(header.Name))
		}
	}
	return names, nil
}

func matchesSuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// safeJoin joins a tar member name under root, rejecting names that
// escape it.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: member %q escapes target directory", ErrExtraction, name)
	}
	return target, nil
}

// checkLink rejects symlink members whose target resolves outside root.
// Later members extracted through such a link would otherwise defeat
// the safeJoin guard on their own names.
func checkLink(root, name, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: symlink %q targets absolute path %q", ErrExtraction, name, linkname)
	}
	resolved := filepath.Join(filepath.Dir(name), linkname)
	if _, err := safeJoin(root, resolved); err != nil {
		return fmt.Errorf("%w: symlink %q -> %q escapes target directory", ErrExtraction, name, linkname)
	}
	return nil
}
