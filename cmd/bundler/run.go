package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xscribe/bundler/internal/archive"
	"github.com/xscribe/bundler/internal/fetcher"
	"github.com/xscribe/bundler/internal/linkfix"
	"github.com/xscribe/bundler/internal/manifest"
	"github.com/xscribe/bundler/internal/pipeline"
	"github.com/xscribe/bundler/internal/pkginstall"
	"github.com/xscribe/bundler/internal/platform"
	"github.com/xscribe/bundler/internal/prune"
	"github.com/xscribe/bundler/internal/resolver"
	"github.com/xscribe/bundler/internal/unpack"
)

const whisperModelEnvHelp = "$" + manifest.WhisperModelEnv +
	" (default " + manifest.DefaultWhisperModel + ")"

// build holds the shared wiring for one pipeline invocation. Everything
// is an explicit parameter; no ambient state beyond the filesystem.
type build struct {
	platform platform.Platform
	manifest *manifest.Manifest
	staging  *pipeline.Staging
	resolver *resolver.Resolver
	fetcher  *fetcher.Fetcher
}

func newBuild(arg string) (*build, error) {
	p, err := platform.Parse(arg)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}

	staging, err := pipeline.NewStaging(filepath.Join(workDir, "staging"))
	if err != nil {
		return nil, err
	}

	return &build{
		platform: p,
		manifest: m,
		staging:  staging,
		resolver: resolver.New(m, staging.Dir),
		fetcher:  fetcher.New(fetchTimeout, logger),
	}, nil
}

func (b *build) buildDir(parts ...string) string {
	return filepath.Join(append([]string{workDir, "build"}, parts...)...)
}

// fetchStage wraps a resolved artifact as a pipeline stage body.
func (b *build) fetchStage(res resolver.Resolution) pipeline.StageFunc {
	entry := b.staging.Entry(res.Dest)
	return func(ctx context.Context) (pipeline.Outcome, error) {
		status, err := b.fetcher.Fetch(ctx, res.URL, res.Dest)
		if err != nil {
			return pipeline.Completed, err
		}
		entry.Mark(pipeline.EntryDownloaded)
		if status == fetcher.AlreadyPresent {
			return pipeline.Skipped, nil
		}
		return pipeline.Completed, nil
	}
}

func runRuntime(cmd *cobra.Command, args []string) error {
	b, err := newBuild(args[0])
	if err != nil {
		return err
	}

	rt, err := b.resolver.Resolve("python-runtime", b.platform)
	if err != nil {
		return err
	}

	envDir := b.buildDir(string(b.platform), "python")
	pythonBin := filepath.Join(envDir, "bin", "python3")
	entry := b.staging.Entry(rt.Dest)

	runner := pipeline.NewRunner(logger)
	runner.Add("fetch-runtime", true, b.fetchStage(rt))

	runner.Add("extract-runtime", true, func(ctx context.Context) (pipeline.Outcome, error) {
		if _, err := os.Stat(pythonBin); err == nil {
			return pipeline.Skipped, nil
		}

		scratch := filepath.Join(b.staging.Dir, "runtime-extract")
		if err := os.RemoveAll(scratch); err != nil {
			return pipeline.Completed, err
		}
		if err := unpack.Extract(rt.Dest, scratch); err != nil {
			return pipeline.Completed, err
		}

		// The release archive wraps everything in a python/ directory.
		if err := os.MkdirAll(filepath.Dir(envDir), 0o755); err != nil {
			return pipeline.Completed, err
		}
		if err := os.Rename(filepath.Join(scratch, "python"), envDir); err != nil {
			return pipeline.Completed, fmt.Errorf("relocating runtime: %w", err)
		}
		os.RemoveAll(scratch)
		entry.Mark(pipeline.EntryExtracted)
		return pipeline.Completed, nil
	})

	runner.Add("install-packages", true, func(ctx context.Context) (pipeline.Outcome, error) {
		inst := pkginstall.New(pythonBin, logger)
		if err := inst.Install(ctx, b.manifest.Packages); err != nil {
			return pipeline.Completed, err
		}
		return pipeline.Completed, nil
	})

	runner.Add("prune", false, func(ctx context.Context) (pipeline.Outcome, error) {
		rep := prune.Run(envDir, prune.DefaultRules(), logger)
		logger.Info("pruned environment",
			zap.Int("removed", rep.Removed),
			zap.String("freed", humanize.Bytes(uint64(rep.Bytes))),
			zap.Int("failed", rep.Failed))
		entry.Mark(pipeline.EntryPruned)
		if rep.Removed == 0 {
			return pipeline.Skipped, nil
		}
		return pipeline.Completed, nil
	})

	runner.Add("strip-packages", false, func(ctx context.Context) (pipeline.Outcome, error) {
		rep := prune.StripPackages(envDir, prune.HeavyPackages, logger)
		if rep.Removed == 0 {
			return pipeline.Skipped, nil
		}
		return pipeline.Completed, nil
	})

	runner.Add("package-runtime", true, func(ctx context.Context) (pipeline.Outcome, error) {
		out := filepath.Join(workDir, archive.Name("python-runtime", string(b.platform)))
		size, err := archive.Create(envDir, out)
		if err != nil {
			return pipeline.Completed, err
		}
		entry.Mark(pipeline.EntryPackaged)
		fmt.Printf("Wrote %s (%s)\n", out, humanize.Bytes(uint64(size)))
		return pipeline.Completed, nil
	})

	_, err = runner.Execute(cmd.Context())
	return err
}

func runModels(cmd *cobra.Command, args []string) error {
	b, err := newBuild(args[0])
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(logger)

	for _, art := range b.manifest.ByKind(manifest.KindModel) {
		res, err := b.resolver.ResolveArtifact(art, b.platform)
		if err != nil {
			return err
		}

		destDir := b.buildDir("models", "diarization")
		if art.Name == "whisper-model" {
			destDir = b.buildDir("models", "whisper")
		}

		critical := !art.Optional
		runner.Add("fetch-"+art.Name, critical, b.fetchStage(res))
		runner.Add("stage-"+art.Name, critical, stageModel(b, res, destDir))
	}

	_, err = runner.Execute(cmd.Context())
	return err
}

// stageModel materializes a fetched model into the build tree: archives
// are extracted and flattened, single files copied as-is.
func stageModel(b *build, res resolver.Resolution, destDir string) pipeline.StageFunc {
	entry := b.staging.Entry(res.Dest)
	return func(ctx context.Context) (pipeline.Outcome, error) {
		if _, err := os.Stat(res.Dest); err != nil {
			// The fetch stage failed or was itself skipped as optional;
			// nothing to stage.
			return pipeline.Completed, fmt.Errorf("artifact absent: %s", res.Dest)
		}

		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return pipeline.Completed, err
		}

		if !res.Artifact.Archive {
			dest := filepath.Join(destDir, filepath.Base(res.Dest))
			if _, err := os.Stat(dest); err == nil {
				return pipeline.Skipped, nil
			}
			if err := copyFile(res.Dest, dest); err != nil {
				return pipeline.Completed, err
			}
			entry.Mark(pipeline.EntryExtracted)
			return pipeline.Completed, nil
		}

		if names, err := unpack.Members(res.Dest, unpack.ModelSuffixes); err == nil && allPresent(destDir, names) {
			return pipeline.Skipped, nil
		}

		if err := unpack.Extract(res.Dest, destDir); err != nil {
			return pipeline.Completed, err
		}
		if _, err := unpack.Flatten(destDir, unpack.ModelSuffixes); err != nil {
			return pipeline.Completed, err
		}
		entry.Mark(pipeline.EntryExtracted)
		return pipeline.Completed, nil
	}
}

// allPresent reports whether every named file already exists in dir.
// An empty name list reports false so a payload-free archive still goes
// through extraction and surfaces its error there.
func allPresent(dir string, names []string) bool {
	if len(names) == 0 {
		return false
	}
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func runPackage(cmd *cobra.Command, args []string) error {
	b, err := newBuild(args[0])
	if err != nil {
		return err
	}

	bundleDir := b.buildDir("bundle-" + string(b.platform))

	runner := pipeline.NewRunner(logger)

	runner.Add("assemble-bundle", true, func(ctx context.Context) (pipeline.Outcome, error) {
		if err := os.RemoveAll(bundleDir); err != nil {
			return pipeline.Completed, err
		}

		// Worker scripts are consumed verbatim from the source tree.
		if err := copyTree(scriptsDir, filepath.Join(bundleDir, "python")); err != nil {
			return pipeline.Completed, fmt.Errorf("bundling scripts from %s: %w", scriptsDir, err)
		}

		// Staged runtime and models are included when present.
		for src, dst := range map[string]string{
			b.buildDir(string(b.platform), "python"): filepath.Join(bundleDir, "runtime"),
			b.buildDir("models"):                     filepath.Join(bundleDir, "models"),
		} {
			if _, err := os.Stat(src); err != nil {
				logger.Warn("bundle piece absent, skipping", zap.String("path", src))
				continue
			}
			if err := copyTree(src, dst); err != nil {
				return pipeline.Completed, err
			}
		}
		return pipeline.Completed, nil
	})

	runner.Add("package-bundle", true, func(ctx context.Context) (pipeline.Outcome, error) {
		out := filepath.Join(workDir, archive.Name("xscribe-bundle", string(b.platform)))
		size, err := archive.Create(bundleDir, out)
		if err != nil {
			return pipeline.Completed, err
		}
		fmt.Printf("Wrote %s (%s)\n", out, humanize.Bytes(uint64(size)))
		return pipeline.Completed, nil
	})

	_, err = runner.Execute(cmd.Context())
	return err
}

func runAll(cmd *cobra.Command, args []string) error {
	if err := runRuntime(cmd, args); err != nil {
		return err
	}
	if err := runModels(cmd, args); err != nil {
		return err
	}
	return runPackage(cmd, args)
}

func runRepairLinks(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	linkfix.Repair(dir, linkfix.DefaultMap, logger)
	return nil
}

// copyFile streams src to dst, preserving the file mode. Model
// artifacts run to gigabytes, so the content must never be buffered
// whole in memory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
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
		return copyFile(path, target)
	})
}
