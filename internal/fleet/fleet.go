package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sourcegraph/conc/pool"
)

type FleetOpts struct {
	// Source is a RUNNING instance whose boot disk seeds the fleet.
	Source string

	// Count of instances to create from the image.
	Count int

	// Quiesce stops the source before the snapshot and starts it again
	// afterwards, for a crash-consistent disk.
	Quiesce bool

	// ImageTimeout bounds each wait for the snapshot and image to be
	// READY. Defaults to the readiness timeout.
	ImageTimeout time.Duration
}

// Timing of one instance created by Fleet. Submitted is when the insert was
// sent, Created when its operation finished, and Running when the instance
// was first seen RUNNING.
type Timing struct {
	Index     int       `json:"index"`
	Instance  string    `json:"instance"`
	Submitted time.Time `json:"submitted"`
	Created   time.Time `json:"created,omitempty"`
	Running   time.Time `json:"running,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Duration from submission until RUNNING, or zero if it never ran.
func (t Timing) Duration() time.Duration {
	if t.Running.IsZero() {
		return 0
	}
	return t.Running.Sub(t.Submitted)
}

// CreateDuration from submission until the insert operation finished.
func (t Timing) CreateDuration() time.Duration {
	if t.Created.IsZero() {
		return 0
	}
	return t.Created.Sub(t.Submitted)
}

type FleetResult struct {
	Source   string   `json:"source"`
	Snapshot string   `json:"snapshot"`
	Image    string   `json:"image"`
	Timings  []Timing `json:"timings"`
}

func SnapshotName(source string) string { return "base-snapshot-" + source }
func ImageName(source string) string    { return "base-image-" + source }

func CloneName(source string, i int) string {
	return fmt.Sprintf("%s-clone-%d", source, i)
}

// Fleet snapshots the boot disk of opts.Source, turns the snapshot into an
// image, and creates opts.Count instances from it concurrently, timing each.
// Timings are ordered by clone index. A failure of one clone is recorded in
// its Timing and reported in the returned error without stopping the rest.
func (d *Driver) Fleet(
	ctx context.Context,
	log *slog.Logger,
	opts FleetOpts,
) (FleetResult, error) {
	res := FleetResult{
		Source:   opts.Source,
		Snapshot: SnapshotName(opts.Source),
		Image:    ImageName(opts.Source),
	}
	if opts.Count <= 0 {
		return res, fmt.Errorf("count must be positive: %d", opts.Count)
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = time.Duration(d.conf.Readiness.Timeout)
	}
	log = log.With(slog.String("source", opts.Source))

	src, err := d.compute.GetInstance(ctx, log, opts.Source)
	if err != nil {
		return res, fmt.Errorf("get instance %s: %w", opts.Source, err)
	}
	if src.Status != StatusRunning {
		return res, fmt.Errorf("source %s not running: %s", opts.Source,
			src.Status)
	}
	if src.BootDisk == "" {
		return res, fmt.Errorf("source %s has no boot disk", opts.Source)
	}

	if err := d.snapshot(ctx, log, src, opts); err != nil {
		return res, err
	}

	log.Info("creating image", slog.String("image", res.Image))
	err = d.compute.CreateImage(ctx, log, res.Snapshot, res.Image)
	if err != nil {
		return res, fmt.Errorf("create image: %w", err)
	}
	_, err = Await(ctx, log, AwaitOpts{
		What:     "image " + res.Image + " ready",
		Timeout:  opts.ImageTimeout,
		Interval: time.Duration(d.conf.Readiness.Interval),
	}, func(ctx context.Context) (Image, error) {
		img, err := d.compute.GetImage(ctx, log, res.Image)
		if err != nil {
			return img, fmt.Errorf("get image: %w", err)
		}
		switch img.Status {
		case ImageReady:
			return img, nil
		case ImageFailed, ImageDeleting:
			return img, fmt.Errorf("image %s: %s", img.Name,
				img.Status)
		default:
			return img, Pending("%s", img.Status)
		}
	})
	if err != nil {
		return res, fmt.Errorf("await image: %w", err)
	}

	res.Timings, err = d.createClones(ctx, log, opts, res.Image)
	return res, err
}

// snapshot the source's boot disk and wait until the snapshot is READY.
func (d *Driver) snapshot(
	ctx context.Context,
	log *slog.Logger,
	src Instance,
	opts FleetOpts,
) (err error) {
	name := SnapshotName(src.Name)
	if opts.Quiesce {
		log.Info("stopping source")
		if err := d.compute.StopInstance(ctx, log, src.Name); err != nil {
			return fmt.Errorf("stop instance: %w", err)
		}
		defer func() {
			log.Info("starting source")
			startErr := d.compute.StartInstance(ctx, log, src.Name)
			if startErr != nil {
				err = errors.Join(err,
					fmt.Errorf("start instance: %w", startErr))
			}
		}()
	}

	log.Info("creating snapshot",
		slog.String("disk", src.BootDisk),
		slog.String("snapshot", name))
	if err := d.compute.CreateSnapshot(ctx, log, src.BootDisk, name); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	_, err = Await(ctx, log, AwaitOpts{
		What:     "snapshot " + name + " ready",
		Timeout:  opts.ImageTimeout,
		Interval: time.Duration(d.conf.Readiness.Interval),
	}, func(ctx context.Context) (Snapshot, error) {
		snap, err := d.compute.GetSnapshot(ctx, log, name)
		if err != nil {
			return snap, fmt.Errorf("get snapshot: %w", err)
		}
		switch snap.Status {
		case SnapshotReady:
			return snap, nil
		case SnapshotFailed, SnapshotDeleting:
			return snap, fmt.Errorf("snapshot %s: %s", snap.Name,
				snap.Status)
		default:
			return snap, Pending("%s", snap.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("await snapshot: %w", err)
	}
	return nil
}

// createClones submits every create back-to-back, one goroutine each, so no
// instance waits on another's boot.
func (d *Driver) createClones(
	ctx context.Context,
	log *slog.Logger,
	opts FleetOpts,
	image string,
) ([]Timing, error) {
	var (
		timings   = make([]Timing, opts.Count)
		timingsMu deadlock.Mutex
	)
	record := func(t Timing) {
		timingsMu.Lock()
		defer timingsMu.Unlock()
		timings[t.Index-1] = t
	}

	p := pool.New().WithErrors()
	for i := 1; i <= opts.Count; i++ {
		i := i
		p.Go(func() error {
			t := d.createClone(ctx, log, opts.Source, image, i)
			record(t)
			if t.Err != "" {
				return fmt.Errorf("%s: %s", t.Instance, t.Err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return timings, fmt.Errorf("create clones: %w", err)
	}
	return timings, nil
}

func (d *Driver) createClone(
	ctx context.Context,
	log *slog.Logger,
	source, image string,
	i int,
) Timing {
	name := CloneName(source, i)
	log = log.With(slog.String("instance", name))
	t := Timing{Index: i, Instance: name}

	inst := Instance{
		Name:        name,
		MachineType: d.conf.Machine.Type,
		Image:       ImageRef(image),
		Tags:        []string{d.conf.Firewall.Tag},
	}
	t.Submitted = time.Now()
	if err := d.compute.CreateInstance(ctx, log, inst); err != nil {
		t.Err = fmt.Sprintf("create instance: %v", err)
		log.Error("create failed", slog.Any("error", err))
		return t
	}
	t.Created = time.Now()

	_, err := d.awaitRunning(ctx, log, name, AwaitOpts{
		What:     name + " running",
		Timeout:  time.Duration(d.conf.Readiness.Timeout),
		Interval: time.Duration(d.conf.Readiness.Interval),
	})
	if err != nil {
		t.Err = fmt.Sprintf("await running: %v", err)
		log.Error("never ran", slog.Any("error", err))
		return t
	}
	t.Running = time.Now()
	log.Info("instance running",
		slog.Duration("elapsed", t.Duration()))
	return t
}

// CleanupOpts names what Cleanup removes.
type CleanupOpts struct {
	Source string
	Count  int
}

// Cleanup deletes the clones, the source, the image and the snapshot of a
// fleet. Resources already gone are logged and skipped. Errors don't stop the
// remaining deletes.
func (d *Driver) Cleanup(
	ctx context.Context,
	log *slog.Logger,
	opts CleanupOpts,
) error {
	log = log.With(slog.String("source", opts.Source))

	names := make([]string, 0, opts.Count+1)
	for i := 1; i <= opts.Count; i++ {
		names = append(names, CloneName(opts.Source, i))
	}
	names = append(names, opts.Source)

	p := pool.New().WithErrors()
	for _, name := range names {
		name := name
		p.Go(func() error {
			err := d.compute.DeleteInstance(ctx, log, name)
			return gone(log, "instance", name, err)
		})
	}
	errs := []error{p.Wait()}

	// The image depends on the snapshot, so delete in order.
	img := ImageName(opts.Source)
	errs = append(errs, gone(log, "image", img,
		d.compute.DeleteImage(ctx, log, img)))
	snap := SnapshotName(opts.Source)
	errs = append(errs, gone(log, "snapshot", snap,
		d.compute.DeleteSnapshot(ctx, log, snap)))
	return errors.Join(errs...)
}

func gone(log *slog.Logger, kind, name string, err error) error {
	switch {
	case err == nil:
		log.Info("deleted", slog.String(kind, name))
		return nil
	case errors.Is(err, Missing):
		log.Info("already deleted", slog.String(kind, name))
		return nil
	default:
		return fmt.Errorf("delete %s %s: %w", kind, name, err)
	}
}

// Names of every resource Cleanup would delete, for confirmation prompts.
func (o CleanupOpts) Names() string {
	names := make([]string, 0, o.Count+3)
	for i := 1; i <= o.Count; i++ {
		names = append(names, CloneName(o.Source, i))
	}
	names = append(names, o.Source, ImageName(o.Source),
		SnapshotName(o.Source))
	return strings.Join(names, ", ")
}
