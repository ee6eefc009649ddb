package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Step names, in the order Steps runs them.
const (
	StepAppDir      = "app-dir"
	StepOSPackages  = "os-packages"
	StepSource      = "source"
	StepEnvironment = "environment"
	StepAppState    = "app-state"
	StepService     = "service"
	StepStart       = "start"
)

// Installer builds the steps that install and start the app described by
// Config.
type Installer struct {
	Config Config
	Runner Runner
	Units  UnitManager

	// ActiveInterval and ActiveRetries bound the wait for the unit to
	// become active. Defaults to every second for two minutes.
	ActiveInterval time.Duration
	ActiveRetries  uint64
}

func (in *Installer) Steps() []Step {
	return []Step{
		{Name: StepAppDir, Run: in.appDir},
		{Name: StepOSPackages, Run: in.osPackages},
		{Name: StepSource, Run: in.source},
		{Name: StepEnvironment, Run: in.environment},
		{Name: StepAppState, Run: in.appState},
		{Name: StepService, Run: in.service},
		{Name: StepStart, Run: in.start},
	}
}

func (in *Installer) appDir(ctx context.Context, log *slog.Logger) (Outcome, error) {
	ok, err := isDir(in.Config.AppDir)
	if err != nil {
		return OutcomeFailed, err
	}
	if ok {
		return OutcomeSkipped, nil
	}
	if err := os.MkdirAll(in.Config.AppDir, 0o755); err != nil {
		return OutcomeFailed, fmt.Errorf("mkdir all: %w", err)
	}
	return OutcomeDone, nil
}

func (in *Installer) osPackages(ctx context.Context, log *slog.Logger) (Outcome, error) {
	env := []string{"DEBIAN_FRONTEND=noninteractive"}
	err := in.Runner.Run(ctx, log, Command{
		Name: "apt-get",
		Args: []string{"update"},
		Env:  env,
	})
	if err != nil {
		return OutcomeFailed, err
	}
	err = in.Runner.Run(ctx, log, Command{
		Name: "apt-get",
		Args: append([]string{"install", "-y"}, in.Config.Packages...),
		Env:  env,
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeDone, nil
}

func (in *Installer) source(ctx context.Context, log *slog.Logger) (Outcome, error) {
	repo := in.Config.RepoDir
	ok, err := isDir(filepath.Join(repo, ".git"))
	if err != nil {
		return OutcomeFailed, err
	}
	if ok {
		return OutcomeSkipped, nil
	}

	// git refuses to clone into a non-empty directory. Use whatever is
	// there and let the later steps decide whether it's usable.
	exists, err := isDir(repo)
	if err != nil {
		return OutcomeFailed, err
	}
	if exists {
		log.Warn("repo dir exists without .git, skipping clone",
			slog.String("dir", repo))
		return OutcomeSkipped, nil
	}
	err = in.Runner.Run(ctx, log, Command{
		Name: "git",
		Args: []string{"clone", in.Config.RepoURL, repo},
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeDone, nil
}

func (in *Installer) environment(ctx context.Context, log *slog.Logger) (Outcome, error) {
	c := in.Config
	_, err := os.Stat(c.Python())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = in.Runner.Run(ctx, log, Command{
			Name: "python3",
			Args: []string{"-m", "venv", c.VenvDir},
		})
		if err != nil {
			return OutcomeFailed, err
		}
	case err != nil:
		return OutcomeFailed, fmt.Errorf("stat: %w", err)
	}

	cmds := []Command{{
		Name: c.Python(),
		Args: []string{"-m", "pip", "install", "--upgrade", "pip"},
	}, {
		Name: c.Python(),
		Args: []string{"-m", "pip", "install", "-e", "."},
		Dir:  c.RepoDir,
	}}
	for _, cmd := range cmds {
		if err := in.Runner.Run(ctx, log, cmd); err != nil {
			return OutcomeFailed, err
		}
	}
	return OutcomeDone, nil
}

func (in *Installer) appState(ctx context.Context, log *slog.Logger) (Outcome, error) {
	c := in.Config
	err := in.Runner.Run(ctx, log, Command{
		Name: c.Python(),
		Args: c.InitArgs,
		Dir:  c.RepoDir,
		Env:  envList(c.Env),
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeDone, nil
}

func (in *Installer) service(ctx context.Context, log *slog.Logger) (Outcome, error) {
	c := in.Config
	byt, err := io.ReadAll(RenderUnit(c))
	if err != nil {
		return OutcomeFailed, fmt.Errorf("read all: %w", err)
	}
	path := filepath.Join(c.UnitDir, c.ServiceName)

	outcome := OutcomeDone
	have, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(have, byt):
		outcome = OutcomeSkipped
	case err == nil, errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(c.UnitDir, 0o755); err != nil {
			return OutcomeFailed, fmt.Errorf("mkdir all: %w", err)
		}
		if err := os.WriteFile(path, byt, 0o644); err != nil {
			return OutcomeFailed, fmt.Errorf("write file: %w", err)
		}
		log.Info("wrote unit", slog.String("path", path))
	default:
		return OutcomeFailed, fmt.Errorf("read file: %w", err)
	}

	// Reload and enable even when unchanged, in case an earlier run wrote
	// the file and failed before either.
	if err := in.Units.ReloadContext(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("reload: %w", err)
	}
	_, _, err = in.Units.EnableUnitFilesContext(ctx, []string{path}, false,
		true)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("enable unit files: %w", err)
	}
	return outcome, nil
}

func (in *Installer) start(ctx context.Context, log *slog.Logger) (Outcome, error) {
	name := in.Config.ServiceName
	if err := restartUnit(ctx, in.Units, name); err != nil {
		return OutcomeFailed, err
	}
	interval := in.ActiveInterval
	if interval == 0 {
		interval = time.Second
	}
	retries := in.ActiveRetries
	if retries == 0 {
		retries = 120
	}
	err := awaitActive(ctx, log, in.Units, name, interval, retries)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("await active: %w", err)
	}
	return OutcomeDone, nil
}

func isDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat: %w", err)
	}
	return fi.IsDir(), nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
