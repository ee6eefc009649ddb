package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Step is one ordered unit of work. Run reports whether it did anything.
// Steps must be safe to run again after a partial or complete earlier run.
type Step struct {
	Name string
	Run  func(ctx context.Context, log *slog.Logger) (Outcome, error)
}

type StepResult struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StepError names the step that stopped the sequence.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Sequencer runs steps in order, persisting progress, and publishes readiness
// only after every step succeeded.
type Sequencer struct {
	instance   string
	steps      []Step
	store      StateStore
	markerPath string
	console    io.Writer
}

type SequencerOpts struct {
	// Instance is named in the console lines.
	Instance string
	Steps    []Step
	Store    StateStore

	// MarkerPath is written once the state is ready.
	MarkerPath string

	// Console receives the ready or failed line, e.g. stdout which the
	// guest agent forwards to the serial port.
	Console io.Writer
}

func NewSequencer(opts SequencerOpts) (*Sequencer, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.MarkerPath == "" {
		return nil, errors.New("missing marker path")
	}
	if opts.Console == nil {
		opts.Console = io.Discard
	}
	return &Sequencer{
		instance:   opts.Instance,
		steps:      opts.Steps,
		store:      opts.Store,
		markerPath: opts.MarkerPath,
		console:    opts.Console,
	}, nil
}

// Run executes every step. The first failure aborts the run, is recorded
// with the failing step, and is returned as a *StepError. A state that was
// ready before the run stays ready.
func (s *Sequencer) Run(ctx context.Context, log *slog.Logger) (State, error) {
	st, err := s.store.GetState(ctx)
	if err != nil {
		return st, fmt.Errorf("get state: %w", err)
	}
	wasReady := st.Status == StatusReady

	st.Instance = s.instance
	st.Runs++
	st.StartedAt = time.Now().UTC()
	st.Steps = nil
	st.FailedStep = ""
	st.Error = ""
	if !wasReady {
		st.Status = StatusInProgress
	}
	if err := s.store.PutState(ctx, st); err != nil {
		return st, fmt.Errorf("put state: %w", err)
	}
	log.Info("bootstrap starting",
		slog.Int("run", st.Runs),
		slog.String("status", string(st.Status)))

	for _, step := range s.steps {
		stepLog := log.With(slog.String("step", step.Name))
		start := time.Now()
		outcome, err := step.Run(ctx, stepLog)
		res := StepResult{
			Name:     step.Name,
			Outcome:  outcome,
			Duration: time.Since(start),
		}
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
		}
		st.Steps = append(st.Steps, res)

		if err != nil {
			stepLog.Error("step failed", slog.Any("error", err))
			st.FailedStep = step.Name
			st.Error = err.Error()
			if !wasReady {
				st.Status = StatusFailed
			}
			if putErr := s.store.PutState(ctx, st); putErr != nil {
				err = errors.Join(err,
					fmt.Errorf("put state: %w", putErr))
			}
			fmt.Fprintln(s.console, FailedLine(s.instance, step.Name))
			return st, &StepError{Step: step.Name, Err: err}
		}
		stepLog.Info("step finished",
			slog.String("outcome", string(res.Outcome)),
			slog.Duration("elapsed", res.Duration))
		if err := s.store.PutState(ctx, st); err != nil {
			return st, fmt.Errorf("put state: %w", err)
		}
	}

	// Ready is recorded before anything outside the store can observe it.
	st.Status = StatusReady
	if st.ReadyAt.IsZero() {
		st.ReadyAt = time.Now().UTC()
	}
	if err := s.store.PutState(ctx, st); err != nil {
		return st, fmt.Errorf("put state: %w", err)
	}
	if err := s.writeMarker(st); err != nil {
		return st, fmt.Errorf("write marker: %w", err)
	}
	fmt.Fprintln(s.console, ReadyLine(s.instance))
	log.Info("bootstrap ready", slog.String("marker", s.markerPath))
	return st, nil
}

func (s *Sequencer) writeMarker(st State) error {
	if err := os.MkdirAll(filepath.Dir(s.markerPath), 0o755); err != nil {
		return fmt.Errorf("mkdir all: %w", err)
	}
	data := fmt.Sprintf("%s\n", st.ReadyAt.Format(time.RFC3339))
	if err := os.WriteFile(s.markerPath, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
