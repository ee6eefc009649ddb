package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
)

// UnitManager is the part of the systemd D-Bus API the sequencer uses.
// *dbus.Conn implements it.
type UnitManager interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string,
		runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	RestartUnitContext(ctx context.Context, name, mode string,
		ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context,
		units []string) ([]dbus.UnitStatus, error)
	Close()
}

var _ UnitManager = &dbus.Conn{}

// ConnectSystemd opens the system bus.
func ConnectSystemd(ctx context.Context) (UnitManager, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("new with context: %w", err)
	}
	return conn, nil
}

// RenderUnit returns the unit file running the app from its venv.
func RenderUnit(c Config) io.Reader {
	execStart := append([]string{c.Python()}, c.RunArgs...)
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", c.Description),
		unit.NewUnitOption("Unit", "After", "network.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "User", "root"),
		unit.NewUnitOption("Service", "WorkingDirectory", c.RepoDir),
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, unit.NewUnitOption("Service", "Environment",
			k+"="+c.Env[k]))
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "ExecStart",
			strings.Join(execStart, " ")),
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "RestartSec",
			strconv.Itoa(c.RestartSec)),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	)
	return unit.Serialize(opts)
}

// restartUnit (re)starts name and waits for systemd to finish the job.
func restartUnit(ctx context.Context, units UnitManager, name string) error {
	ch := make(chan string, 1)
	if _, err := units.RestartUnitContext(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("restart unit: %w", err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("restart %s: job %s", name, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitActive polls the unit until systemd reports it active. A unit that
// keeps crashing flips between activating and failed; it's given until the
// retries run out.
func awaitActive(
	ctx context.Context,
	log *slog.Logger,
	units UnitManager,
	name string,
	interval time.Duration,
	retries uint64,
) error {
	var last string
	op := func() error {
		statuses, err := units.ListUnitsByNamesContext(ctx,
			[]string{name})
		if err != nil {
			return backoff.Permanent(fmt.Errorf(
				"list units by names: %w", err))
		}
		for _, st := range statuses {
			if st.Name != name {
				continue
			}
			last = st.ActiveState + "/" + st.SubState
			if st.ActiveState == "active" {
				return nil
			}
		}
		return fmt.Errorf("%s not active: %s", name, last)
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("waiting for unit", slog.String("state", last))
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(interval), retries), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return err
	}
	return nil
}
