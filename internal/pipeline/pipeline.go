// Package pipeline runs the bundler's stages strictly in sequence,
// classifying each outcome and aborting on the first fatal failure.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle of a stage.
type State string

const (
	StatePending        State = "pending"
	StateInProgress     State = "in_progress"
	StateDone           State = "done"
	StateSkipped        State = "skipped"
	StateFailedOptional State = "failed_optional"
	StateFailedFatal    State = "failed_fatal"
)

// Outcome is what a stage function reports on success.
type Outcome int

const (
	// Completed means the stage did its work.
	Completed Outcome = iota
	// Skipped means the stage found its work already done and
	// short-circuited (the idempotent re-run path).
	Skipped
)

// StageFunc does the work of one stage.
type StageFunc func(ctx context.Context) (Outcome, error)

// StageResult records how one stage ended.
type StageResult struct {
	Name    string
	State   State
	Err     error
	Elapsed time.Duration
}

type stage struct {
	name     string
	critical bool
	run      StageFunc
}

// Runner executes stages one after another. Each run is tagged with a
// fresh run ID so log lines from overlapping operator sessions can be
// told apart.
type Runner struct {
	log    *zap.Logger
	runID  string
	stages []stage
}

// NewRunner creates an empty runner.
func NewRunner(log *zap.Logger) *Runner {
	id := uuid.NewString()
	return &Runner{
		log:   log.With(zap.String("run_id", id)),
		runID: id,
	}
}

// RunID returns this run's identifier.
func (r *Runner) RunID() string { return r.runID }

// Add appends a stage. Critical stages abort the run on failure;
// non-critical ones log a warning and let the run continue.
func (r *Runner) Add(name string, critical bool, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, critical: critical, run: fn})
}

// Execute runs every stage in order. It returns the per-stage results
// and, if a critical stage failed, that stage's error; stages after a
// fatal failure remain pending in the results. There is no rollback —
// re-running resumes through each stage's skip-if-done check.
func (r *Runner) Execute(ctx context.Context) ([]StageResult, error) {
	results := make([]StageResult, len(r.stages))
	for i, st := range r.stages {
		results[i] = StageResult{Name: st.name, State: StatePending}
	}

	for i, st := range r.stages {
		results[i].State = StateInProgress
		r.log.Info("stage start", zap.String("stage", st.name))
		start := time.Now()

		outcome, err := st.run(ctx)
		results[i].Elapsed = time.Since(start)

		switch {
		case err != nil && st.critical:
			results[i].State = StateFailedFatal
			results[i].Err = err
			r.log.Error("stage failed",
				zap.String("stage", st.name),
				zap.Error(err))
			return results, fmt.Errorf("stage %s: %w", st.name, err)
		case err != nil:
			results[i].State = StateFailedOptional
			results[i].Err = err
			r.log.Warn("optional stage failed, continuing",
				zap.String("stage", st.name),
				zap.Error(err))
		case outcome == Skipped:
			results[i].State = StateSkipped
			r.log.Info("stage skipped", zap.String("stage", st.name))
		default:
			results[i].State = StateDone
			r.log.Info("stage done",
				zap.String("stage", st.name),
				zap.Duration("elapsed", results[i].Elapsed))
		}
	}

	if missing := failedOptional(results); len(missing) > 0 {
		r.log.Warn("run finished with optional failures", zap.Strings("stages", missing))
	} else {
		r.log.Info("run finished")
	}
	return results, nil
}

func failedOptional(results []StageResult) []string {
	var names []string
	for _, res := range results {
		if res.State == StateFailedOptional {
			names = append(names, res.Name)
		}
	}
	return names
}
