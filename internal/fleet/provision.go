package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/thankful-ai/bootfleet/internal/bootstrap"
)

// Objects in the artifact bucket fetched by launchers.
const (
	ObjectBootstrap = "bin/bootstrap"
	ObjectCLI       = "bin/bootfleet"
)

// Driver runs one-shot provisioning workflows against the control plane as
// a single Identity.
type Driver struct {
	compute  Compute
	conf     Config
	identity Identity
	client   *http.Client
	reports  ReportStore

	// appPort is where readiness checks reach the app.
	appPort int
}

type DriverOpts struct {
	Compute  Compute
	Config   Config
	Identity Identity

	// HTTPClient for readiness checks. Defaults to HTTPClient().
	HTTPClient *http.Client

	// Reports is optional. Fleet reports are only written locally when
	// it's nil.
	Reports ReportStore

	// AppPort overrides the port checked for readiness. Defaults to the
	// bootstrap port.
	AppPort int
}

func NewDriver(opts DriverOpts) (*Driver, error) {
	if opts.Compute == nil {
		return nil, errors.New("missing compute")
	}
	d := &Driver{
		compute:  opts.Compute,
		conf:     opts.Config.withDefaults(),
		identity: opts.Identity,
		client:   opts.HTTPClient,
		reports:  opts.Reports,
		appPort:  opts.AppPort,
	}
	if d.client == nil {
		d.client = HTTPClient()
	}
	if d.appPort == 0 {
		d.appPort = d.conf.Bootstrap.Port
	}
	if err := validPort(d.conf.Bootstrap.Port); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if err := validPort(d.appPort); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return d, nil
}

// Provision creates an instance that installs and starts the app on first
// boot, opens the firewall for it, and waits until the app answers. On
// success the returned Instance carries the external address.
//
// If the app never becomes ready the instance is left in place and an
// *UnhealthyError is returned.
func (d *Driver) Provision(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (Instance, error) {
	var zero Instance
	log = log.With(slog.String("instance", name),
		slog.String("identity", d.identity.String()))

	inst, err := d.appInstance(name)
	if err != nil {
		return zero, fmt.Errorf("app instance: %w", err)
	}
	log.Info("creating instance",
		slog.String("machineType", inst.MachineType),
		slog.String("image", inst.Image))
	if err := d.compute.CreateInstance(ctx, log, inst); err != nil {
		return zero, fmt.Errorf("create instance %s: %w", name, err)
	}

	rule := IngressRule(d.conf.Firewall.Name, d.conf.Firewall.Tag,
		d.conf.Bootstrap.Port)
	if err := d.EnsureFirewall(ctx, log, rule); err != nil {
		return zero, fmt.Errorf("ensure firewall: %w", err)
	}

	inst, err = d.awaitReady(ctx, log, name)
	if err != nil {
		return zero, err
	}
	log.Info("instance ready",
		slog.String("url", fmt.Sprintf("http://%s",
			netip.AddrPortFrom(inst.ExternalIP, uint16(d.conf.Bootstrap.Port)))))
	return inst, nil
}

// appInstance describes a fresh VM whose launcher runs the bootstrap binary.
func (d *Driver) appInstance(name string) (Instance, error) {
	var zero Instance
	script, err := LauncherScript(LauncherOpts{
		Bucket: d.conf.Bucket,
		Object: ObjectBootstrap,
	})
	if err != nil {
		return zero, fmt.Errorf("launcher script: %w", err)
	}
	conf, err := json.Marshal(d.conf.Bootstrap)
	if err != nil {
		return zero, fmt.Errorf("marshal: %w", err)
	}
	return Instance{
		Name:          name,
		MachineType:   d.conf.Machine.Type,
		Image:         d.conf.Machine.Image,
		DiskSizeGB:    d.conf.Machine.DiskSizeGB,
		StartupScript: script,
		Metadata: map[string]string{
			bootstrap.MetadataAttribute: string(conf),
		},
		Tags: []string{d.conf.Firewall.Tag},
		ServiceAccount: &ServiceAccount{
			Email: d.conf.ServiceAccount,
			Scopes: []string{
				ScopeStorageReadWrite,
				ScopeLoggingWrite,
			},
		},
	}, nil
}

// EnsureFirewall creates rule if no rule has its name. An identical existing
// rule is left alone; a different one is a *FirewallConflictError.
func (d *Driver) EnsureFirewall(
	ctx context.Context,
	log *slog.Logger,
	rule FirewallRule,
) error {
	log = log.With(slog.String("firewall", rule.Name))
	have, err := d.compute.GetFirewall(ctx, log, rule.Name)
	switch {
	case err == nil:
		if !have.Equal(rule) {
			return &FirewallConflictError{
				Name: rule.Name,
				Want: rule,
				Have: have,
			}
		}
		log.Debug("firewall exists")
		return nil
	case errors.Is(err, Missing):
		// Create it below.
	default:
		return fmt.Errorf("get firewall: %w", err)
	}

	log.Info("creating firewall", slog.String("rule", rule.String()))
	if err := d.compute.CreateFirewall(ctx, log, rule); err != nil {
		return fmt.Errorf("create firewall: %w", err)
	}
	return nil
}

// awaitReady waits for the instance to run, for the bootstrap to print its
// ready line, and for the app to answer HTTP, all within the readiness
// timeout.
func (d *Driver) awaitReady(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (Instance, error) {
	deadline := time.Now().Add(time.Duration(d.conf.Readiness.Timeout))
	opts := func(what string) AwaitOpts {
		return AwaitOpts{
			What:     what,
			Timeout:  max(time.Until(deadline), time.Millisecond),
			Interval: time.Duration(d.conf.Readiness.Interval),
		}
	}

	inst, err := d.awaitRunning(ctx, log, name, opts(name+" running"))
	if err != nil {
		return inst, d.unhealthy(name, netip.AddrPort{}, err)
	}
	if !inst.ExternalIP.IsValid() {
		return inst, d.unhealthy(name, netip.AddrPort{},
			errors.New("no external address"))
	}
	addr := netip.AddrPortFrom(inst.ExternalIP, uint16(d.appPort))

	_, err = Await(ctx, log, opts(name+" bootstrapped"),
		func(ctx context.Context) (struct{}, error) {
			out, err := d.compute.SerialOutput(ctx, log, name)
			if err != nil {
				return struct{}{}, fmt.Errorf("serial output: %w", err)
			}
			return struct{}{}, bootstrapResult(out, name)
		})
	if err != nil {
		return inst, d.unhealthy(name, addr, err)
	}

	_, err = Await(ctx, log, opts(name+" serving"),
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, getApp(ctx, d.client, addr,
				d.conf.Readiness.Path)
		})
	if err != nil {
		return inst, d.unhealthy(name, addr, err)
	}
	return inst, nil
}

// bootstrapResult reports the outcome of the last bootstrap run recorded on
// the console. A rerun after a failure appends its own line, so only the
// later of the ready and failed lines counts.
func bootstrapResult(out, name string) error {
	ready := strings.LastIndex(out, bootstrap.ReadyLine(name))
	failed := strings.LastIndex(out, bootstrap.FailedLine(name, ""))
	switch {
	case failed > ready:
		line, _, _ := strings.Cut(out[failed:], "\n")
		return fmt.Errorf("bootstrap: %s", line)
	case ready != -1:
		return nil
	default:
		return Pending("no ready line")
	}
}

// awaitRunning waits until the instance reports RUNNING and returns it.
func (d *Driver) awaitRunning(
	ctx context.Context,
	log *slog.Logger,
	name string,
	opts AwaitOpts,
) (Instance, error) {
	return Await(ctx, log, opts,
		func(ctx context.Context) (Instance, error) {
			inst, err := d.compute.GetInstance(ctx, log, name)
			if err != nil {
				return inst, fmt.Errorf("get instance: %w", err)
			}
			switch inst.Status {
			case StatusRunning:
				return inst, nil
			case StatusStopping, StatusStopped, StatusSuspended,
				StatusTerminated:
				return inst, fmt.Errorf("instance %s: %s", name,
					inst.Status)
			default:
				return inst, Pending("%s", inst.Status)
			}
		})
}

// unhealthy wraps readiness failures. Authorization and cancellation pass
// through untouched so callers can tell them apart.
func (d *Driver) unhealthy(name string, addr netip.AddrPort, err error) error {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	var address string
	if addr.IsValid() {
		address = addr.String()
	}
	return &UnhealthyError{Instance: name, Address: address, Err: err}
}

// List reports every instance in the zone.
func (d *Driver) List(
	ctx context.Context,
	log *slog.Logger,
) ([]Instance, error) {
	insts, err := d.compute.ListInstances(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return insts, nil
}
