package unpack

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// writeTarGz builds a gzipped tarball from name -> content pairs.
// Names ending in "/" become directories.
func writeTarGz(t *testing.T, path string, members map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for name, content := range members {
		if name[len(name)-1] == '/' {
			if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
				t.Fatal(err)
			}
			continue
		}
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

// tarMember is one entry for writeTarGzOrdered; Link set means a
// symlink, a trailing slash in Name means a directory.
type tarMember struct {
	Name    string
	Content string
	Link    string
}

// writeTarGzOrdered builds a tarball with members in the given order,
// which matters when a member path routes through an earlier symlink.
func writeTarGzOrdered(t *testing.T, path string, members []tarMember) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, m := range members {
		hdr := &tar.Header{Name: m.Name, Mode: 0o644}
		switch {
		case m.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = m.Link
		case m.Name[len(m.Name)-1] == '/':
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(m.Content))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(m.Content)); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractAndFlatten(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"pkg/":           "",
		"pkg/model.onnx": "onnx weights",
		"pkg/readme.txt": "metadata",
	})

	target := filepath.Join(dir, "models")
	if err := Extract(archive, target); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	moved, err := Flatten(target, ModelSuffixes)
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if moved != 2 {
		t.Errorf("moved = %d, want 2", moved)
	}

	for _, name := range []string{"model.onnx", "readme.txt"} {
		if _, err := os.Stat(filepath.Join(target, name)); err != nil {
			t.Errorf("expected %s at target root: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(target, "pkg")); !os.IsNotExist(err) {
		t.Errorf("pkg/ subdirectory should be removed")
	}
}

func TestExtract_CorruptArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "corrupt.tar.gz")
	if err := os.WriteFile(archive, []byte("not a tarball"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := Extract(archive, filepath.Join(dir, "out"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("Extract() error = %v, want ErrExtraction", err)
	}
}

func TestExtract_RejectsEscapingMember(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"../evil.txt": "outside",
	})

	err := Extract(archive, filepath.Join(dir, "out"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("Extract() error = %v, want ErrExtraction", err)
	}
}

func TestExtract_RejectsEscapingSymlink(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeTarGzOrdered(t, archive, []tarMember{
		{Name: "sub", Link: "../outside"},
		{Name: "sub/evil.txt", Content: "escaped"},
	})

	err := Extract(archive, filepath.Join(dir, "out"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("Extract() error = %v, want ErrExtraction", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "outside")); !os.IsNotExist(statErr) {
		t.Errorf("symlink member wrote outside the target directory")
	}
}

func TestExtract_RejectsAbsoluteSymlink(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "abs.tar.gz")
	writeTarGzOrdered(t, archive, []tarMember{
		{Name: "pkg/", Content: ""},
		{Name: "pkg/link", Link: "/etc"},
	})

	err := Extract(archive, filepath.Join(dir, "out"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("Extract() error = %v, want ErrExtraction", err)
	}
}

func TestExtract_AllowsSymlinkInsideTree(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "libs.tar.gz")
	writeTarGzOrdered(t, archive, []tarMember{
		{Name: "pkg/", Content: ""},
		{Name: "pkg/lib.so", Content: "elf"},
		{Name: "pkg/lib-latest.so", Link: "lib.so"},
	})

	target := filepath.Join(dir, "out")
	if err := Extract(archive, target); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(target, "pkg", "lib-latest.so"))
	if err != nil {
		t.Fatalf("reading through in-tree symlink: %v", err)
	}
	if string(data) != "elf" {
		t.Errorf("link content = %q, want %q", data, "elf")
	}
}

func TestMembers(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"pkg/":           "",
		"pkg/model.onnx": "weights",
		"pkg/readme.txt": "meta",
		"pkg/extra.dat":  "ignored",
	})

	names, err := Members(archive, ModelSuffixes)
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	sort.Strings(names)
	want := []string{"model.onnx", "readme.txt"}
	if len(names) != len(want) {
		t.Fatalf("Members() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Members()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestMembers_CorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.tar.gz")
	if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Members(path, ModelSuffixes); !errors.Is(err, ErrExtraction) {
		t.Fatalf("Members() error = %v, want ErrExtraction", err)
	}
}

func TestFlatten_NoExpectedMembers(t *testing.T) {
	target := t.TempDir()
	if err := os.MkdirAll(filepath.Join(target, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "pkg", "unrelated.dat"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Flatten(target, ModelSuffixes)
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("Flatten() error = %v, want ErrExtraction", err)
	}
}
