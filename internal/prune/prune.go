// Package prune strips known-unneeded subtrees from the staged
// environment before packaging. Every removal is best-effort: a rule
// that cannot be applied is logged and skipped, never fatal.
package prune

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Kind selects how a rule pattern matches.
type Kind int

const (
	// DirName matches a directory by exact base name.
	DirName Kind = iota
	// FileSuffix matches a file by name suffix.
	FileSuffix
)

// Rule describes one class of removable filesystem entries. Rules are
// static and read-only for the lifetime of a run.
type Rule struct {
	Pattern string
	Kind    Kind
}

// DefaultRules covers the subtrees that add hundreds of megabytes to a
// Python ML environment without being needed at runtime.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "tests", Kind: DirName},
		{Pattern: "test", Kind: DirName},
		{Pattern: "__pycache__", Kind: DirName},
		{Pattern: "docs", Kind: DirName},
		{Pattern: "examples", Kind: DirName},
		{Pattern: "benchmarks", Kind: DirName},
		{Pattern: ".pyc", Kind: FileSuffix},
		{Pattern: ".pyi", Kind: FileSuffix},
		{Pattern: ".pdb", Kind: FileSuffix},
	}
}

// HeavyPackages are optional site-packages the bundle can ship without.
var HeavyPackages = []string{
	"pip",
	"setuptools",
	"wheel",
	"sympy",
	"triton",
}

// Report summarizes one prune pass. Failures counts removal attempts
// that errored; it is distinct from "nothing matched".
type Report struct {
	Removed int
	Bytes   int64
	Failed  int
}

// Run walks root removing every entry matching a rule. Safe to run
// repeatedly: a second pass finds nothing and reports zero bytes.
func Run(root string, rules []Rule, log *zap.Logger) Report {
	var rep Report

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}

		rule, ok := match(d, rules)
		if !ok {
			return nil
		}

		size := entrySize(path, d)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			rep.Failed++
			log.Warn("prune failed", zap.String("path", path), zap.Error(rmErr))
			return nil
		}

		rep.Removed++
		rep.Bytes += size
		log.Debug("pruned", zap.String("path", path), zap.String("rule", rule.Pattern))

		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})

	return rep
}

// StripPackages removes known-heavy optional packages from the
// environment's site-packages directories. Always non-fatal; packages
// already absent simply do not count.
func StripPackages(envRoot string, names []string, log *zap.Logger) Report {
	var rep Report

	for _, name := range names {
		pattern := filepath.Join(envRoot, "lib", "python*", "site-packages", name)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		// Wheel metadata directories sit next to the package.
		info, _ := filepath.Glob(pattern + "-*.dist-info")
		matches = append(matches, info...)

		for _, m := range matches {
			size := treeSize(m)
			if err := os.RemoveAll(m); err != nil {
				rep.Failed++
				log.Warn("strip failed", zap.String("path", m), zap.Error(err))
				continue
			}
			rep.Removed++
			rep.Bytes += size
			log.Debug("stripped package", zap.String("path", m))
		}
	}

	return rep
}

func match(d fs.DirEntry, rules []Rule) (Rule, bool) {
	for _, r := range rules {
		switch r.Kind {
		case DirName:
			if d.IsDir() && d.Name() == r.Pattern {
				return r, true
			}
		case FileSuffix:
			if !d.IsDir() && strings.HasSuffix(d.Name(), r.Pattern) {
				return r, true
			}
		}
	}
	return Rule{}, false
}

func entrySize(path string, d fs.DirEntry) int64 {
	if d.IsDir() {
		return treeSize(path)
	}
	if info, err := d.Info(); err == nil {
		return info.Size()
	}
	return 0
}

func treeSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
