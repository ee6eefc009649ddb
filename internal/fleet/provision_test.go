package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/thankful-ai/bootfleet/internal/bootstrap"
)

func newAppServer(t *testing.T, h http.Handler) netip.AddrPort {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return netip.MustParseAddrPort(srv.Listener.Addr().String())
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("hello"))
	})
}

func TestProvision(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	d := newDriver(t, compute, testConfig(), okHandler())

	inst, err := d.Provision(ctx, log, "vm")
	check(t, err)

	if inst.Status != StatusRunning {
		t.Fatalf("expected running, got %s", inst.Status)
	}
	if inst.ExternalIP != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("unexpected address: %s", inst.ExternalIP)
	}

	created := compute.instances["vm"]
	if !strings.Contains(created.StartupScript, "gs://artifacts/bin/bootstrap") {
		t.Fatalf("launcher doesn't fetch bootstrap:\n%s",
			created.StartupScript)
	}
	if diff := cmp.Diff([]string{"allow-5000"}, created.Tags); diff != "" {
		t.Fatal(diff)
	}
	bootConf, err := bootstrap.UnmarshalConfig(
		[]byte(created.Metadata[bootstrap.MetadataAttribute]))
	check(t, err)
	if bootConf.Port != 5000 {
		t.Fatalf("expected port 5000, got %d", bootConf.Port)
	}

	want := IngressRule("allow-5000", "allow-5000", 5000)
	if have := compute.firewalls["allow-5000"]; !have.Equal(want) {
		t.Fatalf("firewall: have %s, want %s", have, want)
	}
}

func TestProvisionUnhealthy(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	conf := testConfig()
	conf.Readiness.Timeout = Duration(100 * time.Millisecond)
	unavailable := http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	d := newDriver(t, compute, conf, unavailable)

	_, err := d.Provision(ctx, log, "vm")
	var unhealthy *UnhealthyError
	if !errors.As(err, &unhealthy) {
		t.Fatalf("expected unhealthy error, got %v", err)
	}
	if unhealthy.Address == "" {
		t.Fatal("expected address on unhealthy error")
	}
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !strings.Contains(timeout.Last, "status 503") {
		t.Fatalf("unexpected last state: %s", timeout.Last)
	}

	// Left for inspection.
	if n := compute.called("delete instance"); n != 0 {
		t.Fatalf("expected no deletes, got %d", n)
	}
	if _, ok := compute.instances["vm"]; !ok {
		t.Fatal("instance deleted")
	}
}

func TestProvisionBootstrapFailed(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	compute.serial["vm"] = bootstrap.FailedLine("vm",
		bootstrap.StepSource) + "\n"
	d := newDriver(t, compute, testConfig(), okHandler())

	_, err := d.Provision(ctx, log, "vm")
	var unhealthy *UnhealthyError
	if !errors.As(err, &unhealthy) {
		t.Fatalf("expected unhealthy error, got %v", err)
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		t.Fatal("failed bootstrap should not wait for the timeout")
	}
	if !strings.Contains(err.Error(), "step=source") {
		t.Fatalf("expected failed step in error: %v", err)
	}
}

func TestProvisionRerunAfterFailure(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	compute.serial["vm"] = bootstrap.FailedLine("vm",
		bootstrap.StepOSPackages) + "\n" + bootstrap.ReadyLine("vm") + "\n"
	d := newDriver(t, compute, testConfig(), okHandler())

	_, err := d.Provision(ctx, log, "vm")
	check(t, err)
}

func TestBootstrapResult(t *testing.T) {
	t.Parallel()

	var (
		ready  = bootstrap.ReadyLine("vm") + "\n"
		failed = bootstrap.FailedLine("vm", bootstrap.StepSource) + "\n"
	)
	type testcase struct {
		have        string
		wantPending bool
		wantErr     string
	}
	tcs := map[string]testcase{
		"ready":              {have: "boot\n" + ready},
		"failed":             {have: failed, wantErr: "step=source"},
		"nothing yet":        {have: "boot\n", wantPending: true},
		"rerun after failed": {have: failed + ready},
		"failed after ready": {have: ready + failed, wantErr: "step=source"},
		"other instance": {
			have:        bootstrap.FailedLine("vm-2", "source") + "\n",
			wantPending: true,
		},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			err := bootstrapResult(tc.have, "vm")
			var pending *pendingError
			switch {
			case tc.wantPending:
				if !errors.As(err, &pending) {
					t.Fatalf("expected pending, got %v", err)
				}
			case tc.wantErr != "":
				if err == nil || errors.As(err, &pending) {
					t.Fatalf("expected failure, got %v", err)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected %q in %v", tc.wantErr, err)
				}
			default:
				check(t, err)
			}
		})
	}
}

func TestNewDriverPort(t *testing.T) {
	t.Parallel()

	conf := testConfig()
	conf.Bootstrap.Port = 70000
	_, err := NewDriver(DriverOpts{Compute: newFakeCompute(), Config: conf})
	if err == nil {
		t.Fatal("expected error for bootstrap port")
	}

	_, err = NewDriver(DriverOpts{
		Compute: newFakeCompute(),
		Config:  testConfig(),
		AppPort: -1,
	})
	if err == nil {
		t.Fatal("expected error for app port")
	}
}

func TestProvisionRejected(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	compute.createHook = func(Instance) error {
		return &RejectedError{Op: "insert", Code: 403,
			Reason: "quotaExceeded", Message: "CPUS"}
	}
	d := newDriver(t, compute, testConfig(), okHandler())

	_, err := d.Provision(ctx, log, "vm")
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if rejected.Reason != "quotaExceeded" {
		t.Fatalf("unexpected reason: %s", rejected.Reason)
	}
	if n := compute.called("create firewall"); n != 0 {
		t.Fatalf("expected no firewall, got %d creates", n)
	}
}

func TestProvisionUnauthorized(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	compute.createHook = func(Instance) error {
		return &AuthorizationError{Op: "insert",
			Identity: "service-account:sa@p.iam.gserviceaccount.com",
			Code:     403, Message: "insufficient scopes"}
	}
	d, err := NewDriver(DriverOpts{
		Compute: compute,
		Config:  testConfig(),
		Identity: Identity{
			Kind:    IdentityServiceAccount,
			Email:   "sa@p.iam.gserviceaccount.com",
			Project: "p",
		},
	})
	check(t, err)

	_, err = d.Provision(ctx, log, "vm-2")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		t.Fatal("authorization error reported as rejected")
	}
	var unhealthy *UnhealthyError
	if errors.As(err, &unhealthy) {
		t.Fatal("authorization error reported as unhealthy")
	}
}

func TestEnsureFirewall(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	d := newDriver(t, compute, testConfig(), nil)

	rule := IngressRule("allow-5000", "allow-5000", 5000)
	check(t, d.EnsureFirewall(ctx, log, rule))
	check(t, d.EnsureFirewall(ctx, log, rule))
	if n := compute.called("create firewall"); n != 1 {
		t.Fatalf("expected 1 create, got %d", n)
	}

	other := IngressRule("allow-5000", "allow-5000", 8080)
	err := d.EnsureFirewall(ctx, log, other)
	var conflict *FirewallConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Name != "allow-5000" {
		t.Fatalf("unexpected name: %s", conflict.Name)
	}
}

func TestFirewallRuleEqual(t *testing.T) {
	t.Parallel()

	rule := IngressRule("allow-5000", "web", 5000)
	type testcase struct {
		have FirewallRule
		want bool
	}
	full := rule
	full.Network = "https://www.googleapis.com/compute/v1/projects/p/global/networks/default"

	reordered := rule
	reordered.SourceRanges = []string{"0.0.0.0/0", "0.0.0.0/0"}
	reordered.TargetTags = []string{"web"}

	otherTag := rule
	otherTag.TargetTags = []string{"db"}

	otherPort := IngressRule("allow-5000", "web", 5001)

	tcs := map[string]testcase{
		"same":       {have: rule, want: true},
		"full url":   {have: full, want: true},
		"duplicates": {have: reordered, want: true},
		"other tag":  {have: otherTag, want: false},
		"other port": {have: otherPort, want: false},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := tc.have.Equal(rule); got != tc.want {
				t.Fatalf("expected %t, got %t", tc.want, got)
			}
		})
	}
}

func TestDelegate(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()

	// The launcher provisions the target as soon as it exists.
	compute.createHook = func(inst Instance) error {
		if inst.Name != "vm-1" {
			return nil
		}
		return compute.CreateInstance(ctx, log, Instance{Name: "vm-2"})
	}
	d := newDriver(t, compute, testConfig(), okHandler())

	target, err := d.Delegate(ctx, log, DelegateOpts{
		Launcher: "vm-1",
		Target:   "vm-2",
		Wait:     true,
	})
	check(t, err)
	if target.Name != "vm-2" || target.Status != StatusRunning {
		t.Fatalf("unexpected target: %s %s", target.Name, target.Status)
	}

	launcher := compute.instances["vm-1"]
	if launcher.ServiceAccount == nil {
		t.Fatal("launcher has no service account")
	}
	if diff := cmp.Diff(&ServiceAccount{
		Email:  "default",
		Scopes: []string{ScopeCloudPlatform},
	}, launcher.ServiceAccount); diff != "" {
		t.Fatal(diff)
	}
	for _, want := range []string{
		"gs://artifacts/bin/bootfleet",
		"-credentials metadata -config metadata provision vm-2",
		".launched",
	} {
		if !strings.Contains(launcher.StartupScript, want) {
			t.Fatalf("launcher script missing %q:\n%s", want,
				launcher.StartupScript)
		}
	}
	conf, err := UnmarshalConfig([]byte(launcher.Metadata[ConfigAttribute]))
	check(t, err)
	if conf.Provider != "gcp:p:us-west1:us-west1-b" {
		t.Fatalf("unexpected provider: %s", conf.Provider)
	}
}

func TestDelegateFailed(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	compute.serial["vm-1"] = "startup-script: " + DelegateFailedLine("vm-2",
		&AuthorizationError{Op: "insert", Identity: "service-account",
			Code: 403, Message: "insufficient scopes"}) + "\n"
	d := newDriver(t, compute, testConfig(), okHandler())

	_, err := d.Delegate(ctx, log, DelegateOpts{
		Launcher: "vm-1",
		Target:   "vm-2",
		Wait:     true,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not authorized") {
		t.Fatalf("expected launcher failure in error: %v", err)
	}
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %T", err)
	}
	if authErr.Code != 403 || authErr.Identity != "service-account" {
		t.Fatalf("unexpected authorization error: %+v", authErr)
	}
	var rejErr *RejectedError
	if errors.As(err, &rejErr) {
		t.Fatal("authorization failure reported as rejected")
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		t.Fatal("failed delegate should not wait for the timeout")
	}
}

func TestDelegateFailedLine(t *testing.T) {
	t.Parallel()

	type testcase struct {
		err  error
		want error
	}
	tcs := map[string]testcase{
		"authorization": {
			err: fmt.Errorf("create instance vm-2: %w", &AuthorizationError{
				Op: "insert", Identity: "launcher@p.iam.gserviceaccount.com",
				Code: 403, Message: "Request had insufficient scopes."}),
			want: &AuthorizationError{Op: "insert",
				Identity: "launcher@p.iam.gserviceaccount.com",
				Code:     403, Message: "Request had insufficient scopes."},
		},
		"rejected": {
			err: &RejectedError{Op: "insert", Code: 403,
				Reason: "quotaExceeded", Message: "Quota 'CPUS' exceeded."},
			want: &RejectedError{Op: "insert", Code: 403,
				Reason: "quotaExceeded", Message: "Quota 'CPUS' exceeded."},
		},
		"plain": {
			err:  errors.New("load config:\nunexpected EOF"),
			want: errors.New("load config: unexpected EOF"),
		},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			line := DelegateFailedLine("vm-2", tc.err)
			if strings.Contains(line, "\n") {
				t.Fatalf("line spans lines: %q", line)
			}
			out := "boot\nstartup-script: " + line + "\r\nmore\n"
			got := delegateFailure(out, "vm-2")
			if got == nil {
				t.Fatalf("no failure found in %q", out)
			}
			if fmt.Sprintf("%T", got) != fmt.Sprintf("%T", tc.want) {
				t.Fatalf("expected %T, got %T", tc.want, got)
			}
			if got.Error() != tc.want.Error() {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}

			if err := delegateFailure(out, "vm-3"); err != nil {
				t.Fatalf("failure reported for another target: %v", err)
			}
		})
	}
}

func TestDelegateNoWait(t *testing.T) {
	t.Parallel()

	log, closer := log()
	defer closer()

	ctx := context.Background()
	compute := newFakeCompute()
	d := newDriver(t, compute, testConfig(), nil)

	launcher, err := d.Delegate(ctx, log, DelegateOpts{
		Launcher: "vm-1",
		Target:   "vm-2",
		Scopes:   []string{ScopeCompute, ScopeStorageRead},
	})
	check(t, err)
	if launcher.Name != "vm-1" {
		t.Fatalf("unexpected instance: %s", launcher.Name)
	}
	if _, ok := compute.instances["vm-2"]; ok {
		t.Fatal("target created by operator")
	}
	have := compute.instances["vm-1"].ServiceAccount.Scopes
	if diff := cmp.Diff([]string{ScopeCompute, ScopeStorageRead}, have); diff != "" {
		t.Fatal(diff)
	}
}
