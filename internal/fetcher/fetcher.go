// Package fetcher retrieves release artifacts over HTTPS into the
// staging directory. Fetches are idempotent: an existing non-empty
// destination short-circuits without a network call.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrFetch marks a failed retrieval. Whether it aborts the run depends
// on the artifact's criticality, which the caller decides.
var ErrFetch = errors.New("fetch failed")

// DefaultTimeout bounds a single download attempt. The upstream release
// hosts are unauthenticated and occasionally slow; unbounded hangs are
// worse than a retried timeout.
const DefaultTimeout = 300 * time.Second

const defaultMaxRetries = 2

// Status reports how a fetch concluded.
type Status int

const (
	// Downloaded means the file was retrieved over the network.
	Downloaded Status = iota
	// AlreadyPresent means a non-empty destination existed and no
	// network call was made. This is the dominant path on re-runs.
	AlreadyPresent
)

func (s Status) String() string {
	if s == AlreadyPresent {
		return "already present"
	}
	return "downloaded"
}

// Fetcher downloads artifacts one at a time.
type Fetcher struct {
	client     *http.Client
	log        *zap.Logger
	maxRetries uint64
}

// New creates a fetcher. A zero timeout means DefaultTimeout.
func New(timeout time.Duration, log *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:     &http.Client{Timeout: timeout},
		log:        log,
		maxRetries: defaultMaxRetries,
	}
}

// Fetch retrieves url into dest. The body is written to a temporary
// .part file and renamed into place, so dest is never left partially
// written. Transient failures are retried with exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) (Status, error) {
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		f.log.Debug("artifact already present", zap.String("dest", dest))
		return AlreadyPresent, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Downloaded, fmt.Errorf("%w: creating staging directory: %v", ErrFetch, err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := f.fetchOnce(ctx, url, dest); err != nil {
			f.log.Warn("fetch attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return Downloaded, fmt.Errorf("%w: GET %s: %v", ErrFetch, url, err)
	}

	f.log.Info("artifact downloaded", zap.String("url", url), zap.String("dest", dest))
	return Downloaded, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Release URLs are immutable; a 404 will not heal itself.
			return backoff.Permanent(err)
		}
		return err
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return backoff.Permanent(err)
	}

	_, err = io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return backoff.Permanent(err)
	}
	return nil
}
