package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestFetch_WritesFile(t *testing.T) {
	content := []byte("portable runtime bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "runtime.tar.gz")
	f := New(0, zap.NewNop())

	status, err := f.Fetch(context.Background(), server.URL+"/runtime.tar.gz", dest)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if status != Downloaded {
		t.Errorf("status = %v, want Downloaded", status)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("content = %q, want %q", data, content)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
}

func TestFetch_Idempotent(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "model.onnx")
	f := New(0, zap.NewNop())

	if _, err := f.Fetch(context.Background(), server.URL, dest); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	status, err := f.Fetch(context.Background(), server.URL, dest)
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if status != AlreadyPresent {
		t.Errorf("second fetch status = %v, want AlreadyPresent", status)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want exactly 1", requests)
	}
}

func TestFetch_NotFoundIsPermanent(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.NotFound(w, r)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "missing.tar.gz")
	f := New(0, zap.NewNop())

	_, err := f.Fetch(context.Background(), server.URL, dest)
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("Fetch() error = %v, want ErrFetch", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1 (4xx must not be retried)", requests)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Errorf("failed fetch must not leave a destination file")
	}
}

func TestFetch_RetriesServerError(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "flaky.bin")
	f := New(0, zap.NewNop())

	status, err := f.Fetch(context.Background(), server.URL, dest)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if status != Downloaded {
		t.Errorf("status = %v, want Downloaded", status)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func TestFetch_NetworkErrorSurfaces(t *testing.T) {
	f := New(0, zap.NewNop())
	f.maxRetries = 0

	dest := filepath.Join(t.TempDir(), "never.bin")
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/never.bin", dest)
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("Fetch() error = %v, want ErrFetch", err)
	}
}
