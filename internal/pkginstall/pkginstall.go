// Package pkginstall drives pip inside the staged portable runtime.
package pkginstall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/xscribe/bundler/internal/manifest"
)

// ErrInstall marks a failed package install. It is always fatal: the
// shipped environment is unusable without its required packages.
var ErrInstall = errors.New("package install failed")

// Installer installs pip packages using the given python interpreter.
type Installer struct {
	// PythonBin is the interpreter of the staged environment,
	// e.g. <staging>/python/bin/python3.
	PythonBin string

	// Stdout and Stderr receive pip's output. They default to the
	// process's own streams so operators can watch progress.
	Stdout io.Writer
	Stderr io.Writer

	log *zap.Logger
}

// New creates an installer for the staged interpreter.
func New(pythonBin string, log *zap.Logger) *Installer {
	return &Installer{
		PythonBin: pythonBin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		log:       log,
	}
}

// Install installs each package in order, waiting for every pip
// invocation to exit before starting the next. The first failure aborts
// the remainder; there is no partial-success continuation.
func (i *Installer) Install(ctx context.Context, pkgs []manifest.Package) error {
	for _, pkg := range pkgs {
		spec := pkg.Spec()
		i.log.Info("installing package", zap.String("package", spec))

		cmd := exec.CommandContext(ctx, i.PythonBin, "-m", "pip", "install",
			"--no-warn-script-location", "--disable-pip-version-check", spec)
		cmd.Stdout = i.Stdout
		cmd.Stderr = i.Stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstall, spec, err)
		}
	}
	return nil
}
