// Package archive packages a staged directory tree into the
// distributable tarball.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Name returns the deterministic archive filename for an artifact on a
// platform, e.g. "python-runtime-darwin-arm64.tar.gz".
func Name(artifact, platform string) string {
	return fmt.Sprintf("%s-%s.tar.gz", artifact, platform)
}

// Create writes a gzipped tarball of root to outPath, overwriting any
// stale archive from a previous run, and returns the bytes written.
// The tarball is built at a temporary path and renamed into place, so
// a failed run neither leaves a partial archive nor destroys the
// previous one.
func Create(root, outPath string) (int64, error) {
	tmpPath := outPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	if walkErr != nil {
		tw.Close()
		gz.Close()
		out.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("packaging %s: %w", root, walkErr)
	}

	for _, closer := range []io.Closer{tw, gz, out} {
		if err := closer.Close(); err != nil {
			os.Remove(tmpPath)
			return 0, fmt.Errorf("finalizing archive: %w", err)
		}
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("placing archive: %w", err)
	}

	stat, err := os.Stat(outPath)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return stat.Size(), nil
}
