// Package resolver maps (artifact, platform) pairs to concrete download
// URLs and staging paths. It is a pure lookup over the manifest tables
// and never touches the network.
package resolver

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/xscribe/bundler/internal/manifest"
	"github.com/xscribe/bundler/internal/platform"
)

// Resolution is a fully expanded download target.
type Resolution struct {
	Artifact manifest.Artifact
	Platform platform.Platform
	URL      string
	Dest     string
}

// Resolver expands manifest URL templates for one staging directory.
type Resolver struct {
	manifest   *manifest.Manifest
	stagingDir string
}

// New creates a resolver writing into stagingDir.
func New(m *manifest.Manifest, stagingDir string) *Resolver {
	return &Resolver{manifest: m, stagingDir: stagingDir}
}

// Resolve expands the named artifact's URL and filename templates for
// the given platform.
func (r *Resolver) Resolve(name string, p platform.Platform) (Resolution, error) {
	art, ok := r.manifest.Artifact(name)
	if !ok {
		return Resolution{}, fmt.Errorf("unknown artifact %q", name)
	}
	return r.resolve(art, p)
}

// ResolveArtifact expands an already looked-up artifact.
func (r *Resolver) ResolveArtifact(art manifest.Artifact, p platform.Platform) (Resolution, error) {
	return r.resolve(art, p)
}

func (r *Resolver) resolve(art manifest.Artifact, p platform.Platform) (Resolution, error) {
	token := p.RuntimeToken()
	if token == "" {
		return Resolution{}, fmt.Errorf("%w: %q", platform.ErrUnsupported, p)
	}

	expand := strings.NewReplacer(
		"{version}", art.Version,
		"{platform}", string(p),
		"{token}", token,
		"{model}", r.manifest.WhisperModel,
	).Replace

	rawURL := expand(art.URL)
	if i := strings.IndexByte(rawURL, '{'); i >= 0 {
		return Resolution{}, fmt.Errorf("artifact %s: unexpanded placeholder in %q", art.Name, rawURL)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return Resolution{}, fmt.Errorf("artifact %s: bad url: %w", art.Name, err)
	}

	filename := expand(art.Filename)
	if filename == "" {
		filename = filepath.Base(rawURL)
	}

	return Resolution{
		Artifact: art,
		Platform: p,
		URL:      rawURL,
		Dest:     filepath.Join(r.stagingDir, filename),
	}, nil
}
