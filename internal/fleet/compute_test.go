package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thankful-ai/bootfleet/internal/bootstrap"
)

// fakeCompute keeps resources in memory. Every resource reports a pending
// status for the first `pending` reads, then its terminal status.
type fakeCompute struct {
	mu        sync.Mutex
	instances map[string]Instance
	firewalls map[string]FirewallRule
	snapshots map[string]Snapshot
	images    map[string]Image
	serial    map[string]string
	reads     map[string]int
	calls     []string

	pending int
	addr    netip.Addr

	// createHook runs before an instance is stored. An error fails the
	// create.
	createHook func(Instance) error
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{
		instances: map[string]Instance{},
		firewalls: map[string]FirewallRule{},
		snapshots: map[string]Snapshot{},
		images:    map[string]Image{},
		serial:    map[string]string{},
		reads:     map[string]int{},
		pending:   2,
		addr:      netip.MustParseAddr("127.0.0.1"),
	}
}

func (f *fakeCompute) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeCompute) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// ready reports whether key has been read enough times to be done.
func (f *fakeCompute) ready(key string) bool {
	f.reads[key]++
	return f.reads[key] > f.pending
}

func (f *fakeCompute) CreateInstance(
	ctx context.Context,
	log *slog.Logger,
	inst Instance,
) error {
	if f.createHook != nil {
		if err := f.createHook(inst); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("create instance %s", inst.Name)
	if _, exists := f.instances[inst.Name]; exists {
		return &RejectedError{Op: "create instance", Code: 409,
			Reason: "alreadyExists", Message: inst.Name}
	}
	if name, ok := strings.CutPrefix(inst.Image, "global/images/"); ok {
		if img, ok := f.images[name]; !ok || img.Status != ImageReady {
			return fmt.Errorf("image %s not ready", name)
		}
	}
	inst.Status = StatusProvisioning
	inst.BootDisk = inst.Name
	inst.ExternalIP = f.addr
	f.instances[inst.Name] = inst
	if _, ok := f.serial[inst.Name]; !ok {
		f.serial[inst.Name] = "startup-script: " +
			bootstrap.ReadyLine(inst.Name) + "\n"
	}
	return nil
}

func (f *fakeCompute) GetInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, ok := f.instances[name]
	if !ok {
		return inst, Missing
	}
	if inst.Status == StatusProvisioning && f.ready("instance "+name) {
		inst.Status = StatusRunning
		f.instances[name] = inst
	}
	return inst, nil
}

func (f *fakeCompute) ListInstances(
	ctx context.Context,
	log *slog.Logger,
) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeCompute) DeleteInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("delete instance %s", name)
	if _, ok := f.instances[name]; !ok {
		return fmt.Errorf("delete: %w", Missing)
	}
	delete(f.instances, name)
	return nil
}

func (f *fakeCompute) StopInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop instance %s", name)
	return nil
}

func (f *fakeCompute) StartInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start instance %s", name)
	return nil
}

func (f *fakeCompute) SerialOutput(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.instances[name]; !ok {
		return "", Missing
	}
	return f.serial[name], nil
}

func (f *fakeCompute) GetFirewall(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (FirewallRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule, ok := f.firewalls[name]
	if !ok {
		return rule, fmt.Errorf("get: %w", Missing)
	}
	return rule, nil
}

func (f *fakeCompute) CreateFirewall(
	ctx context.Context,
	log *slog.Logger,
	rule FirewallRule,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("create firewall %s", rule.Name)
	f.firewalls[rule.Name] = rule
	return nil
}

func (f *fakeCompute) DeleteFirewall(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.firewalls, name)
	return nil
}

func (f *fakeCompute) CreateSnapshot(
	ctx context.Context,
	log *slog.Logger,
	disk, name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("create snapshot %s from %s", name, disk)
	f.snapshots[name] = Snapshot{Name: name, SourceDisk: disk,
		Status: SnapshotCreating}
	return nil
}

func (f *fakeCompute) GetSnapshot(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, ok := f.snapshots[name]
	if !ok {
		return snap, Missing
	}
	if snap.Status != SnapshotReady && f.ready("snapshot "+name) {
		snap.Status = SnapshotReady
		f.snapshots[name] = snap
	}
	return snap, nil
}

func (f *fakeCompute) DeleteSnapshot(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("delete snapshot %s", name)
	if _, ok := f.snapshots[name]; !ok {
		return Missing
	}
	delete(f.snapshots, name)
	return nil
}

func (f *fakeCompute) CreateImage(
	ctx context.Context,
	log *slog.Logger,
	snapshot, name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("create image %s from %s", name, snapshot)
	snap, ok := f.snapshots[snapshot]
	if !ok || snap.Status != SnapshotReady {
		return fmt.Errorf("snapshot %s not ready", snapshot)
	}
	f.images[name] = Image{Name: name, SourceSnapshot: snapshot,
		Status: ImagePending}
	return nil
}

func (f *fakeCompute) GetImage(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	img, ok := f.images[name]
	if !ok {
		return img, Missing
	}
	if img.Status != ImageReady && f.ready("image "+name) {
		img.Status = ImageReady
		f.images[name] = img
	}
	return img, nil
}

func (f *fakeCompute) DeleteImage(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("delete image %s", name)
	if _, ok := f.images[name]; !ok {
		return Missing
	}
	delete(f.images, name)
	return nil
}

type fakeReports struct {
	mu      sync.Mutex
	reports []Report
}

func (f *fakeReports) PutReport(
	ctx context.Context,
	log *slog.Logger,
	r Report,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func testConfig() Config {
	return Config{
		Provider: "gcp:p:us-west1:us-west1-b",
		Bucket:   "artifacts",
		Readiness: ReadinessConfig{
			Timeout:  Duration(2 * time.Second),
			Interval: Duration(time.Millisecond),
		},
	}.withDefaults()
}

// newDriver with an app server answering readiness checks. Pass a nil
// handler to check a port nothing listens on.
func newDriver(
	t *testing.T,
	compute *fakeCompute,
	conf Config,
	app http.Handler,
) *Driver {
	t.Helper()
	opts := DriverOpts{
		Compute:  compute,
		Config:   conf,
		Identity: Identity{Kind: IdentityOperator, Project: "p"},
	}
	if app != nil {
		srv := newAppServer(t, app)
		opts.AppPort = int(srv.Port())
	} else {
		opts.AppPort = 1
	}
	d, err := NewDriver(opts)
	check(t, err)
	return d
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func log() (*slog.Logger, func()) {
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		panic(err)
	}
	closer := func() {
		err := devnull.Close()
		if err != nil {
			panic(err)
		}
	}
	textHandler := slog.NewTextHandler(devnull, &slog.HandlerOptions{})
	return slog.New(textHandler), closer
}
