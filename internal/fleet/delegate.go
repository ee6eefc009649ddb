package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

type DelegateOpts struct {
	// Launcher is the VM created with a service account. It provisions
	// Target using that account.
	Launcher string
	Target   string

	// ServiceAccount attached to Launcher. Defaults to the configured
	// service account.
	ServiceAccount string

	// Scopes granted to Launcher. Defaults to cloud-platform.
	Scopes []string

	// Wait for Target to become ready.
	Wait bool
}

const delegateFailedPrefix = "bootfleet-delegate-failed "

// DelegateFailedLine is printed to the launcher's console when the delegated
// provisioning fails. The fields carry enough of an *AuthorizationError or
// *RejectedError for the operator's driver to rebuild it.
func DelegateFailedLine(target string, err error) string {
	var (
		authErr *AuthorizationError
		rejErr  *RejectedError
		fields  [][2]string
	)
	switch {
	case errors.As(err, &authErr):
		fields = [][2]string{
			{"kind", "authorization"},
			{"op", authErr.Op},
			{"code", strconv.Itoa(authErr.Code)},
			{"identity", authErr.Identity},
			{"message", authErr.Message},
		}
	case errors.As(err, &rejErr):
		fields = [][2]string{
			{"kind", "rejected"},
			{"op", rejErr.Op},
			{"code", strconv.Itoa(rejErr.Code)},
			{"reason", rejErr.Reason},
			{"message", rejErr.Message},
		}
	default:
		fields = [][2]string{
			{"kind", "error"},
			{"message", err.Error()},
		}
	}
	words := []string{target}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		v := strings.ReplaceAll(f[1], "\n", " ")
		words = append(words, f[0]+"="+v)
	}
	return delegateFailedPrefix + shellquote.Join(words...)
}

// delegateFailed is a failure the launcher reported for target.
type delegateFailed struct {
	target string
	err    error
}

// parseDelegateFailed reverses DelegateFailedLine.
func parseDelegateFailed(line string) (delegateFailed, error) {
	var zero delegateFailed
	rest, ok := strings.CutPrefix(line, delegateFailedPrefix)
	if !ok {
		return zero, errors.New("not a delegate failure")
	}
	words, err := shellquote.Split(strings.TrimRight(rest, "\r"))
	if err != nil {
		return zero, fmt.Errorf("split: %w", err)
	}
	if len(words) == 0 {
		return zero, errors.New("missing target")
	}
	fields := make(map[string]string, len(words)-1)
	for _, w := range words[1:] {
		k, v, _ := strings.Cut(w, "=")
		fields[k] = v
	}
	var code int
	if s := fields["code"]; s != "" {
		code, err = strconv.Atoi(s)
		if err != nil {
			return zero, fmt.Errorf("parse code: %w", err)
		}
	}
	failed := delegateFailed{target: words[0]}
	switch fields["kind"] {
	case "authorization":
		failed.err = &AuthorizationError{
			Op:       fields["op"],
			Identity: fields["identity"],
			Code:     code,
			Message:  fields["message"],
		}
	case "rejected":
		failed.err = &RejectedError{
			Op:      fields["op"],
			Code:    code,
			Reason:  fields["reason"],
			Message: fields["message"],
		}
	default:
		failed.err = errors.New(fields["message"])
	}
	return failed, nil
}

// delegateFailure returns the last failure the launcher reported for
// target, or nil.
func delegateFailure(out, target string) error {
	var failure error
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, delegateFailedPrefix)
		if idx == -1 {
			continue
		}
		failed, err := parseDelegateFailed(line[idx:])
		switch {
		case err != nil:
			failure = fmt.Errorf("parse %q: %w", line[idx:], err)
		case failed.target == target:
			failure = failed.err
		}
	}
	return failure
}

// Delegate creates a launcher VM that runs the CLI with its own service
// account to provision the target. Nothing about the operator's credential
// is passed to the launcher; it only receives the config through metadata.
func (d *Driver) Delegate(
	ctx context.Context,
	log *slog.Logger,
	opts DelegateOpts,
) (Instance, error) {
	var zero Instance
	if opts.Launcher == "" || opts.Target == "" {
		return zero, errors.New("missing launcher or target")
	}
	if opts.ServiceAccount == "" {
		opts.ServiceAccount = d.conf.ServiceAccount
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{ScopeCloudPlatform}
	}
	log = log.With(slog.String("launcher", opts.Launcher),
		slog.String("target", opts.Target))

	script, err := LauncherScript(LauncherOpts{
		Bucket: d.conf.Bucket,
		Object: ObjectCLI,
		Args: []string{"-credentials", "metadata", "-config",
			ConfigFromMetadata, "provision", opts.Target},
		Log:  "/var/log/bootfleet-delegate.log",
		Once: true,
	})
	if err != nil {
		return zero, fmt.Errorf("launcher script: %w", err)
	}
	conf, err := json.Marshal(d.conf)
	if err != nil {
		return zero, fmt.Errorf("marshal: %w", err)
	}
	launcher := Instance{
		Name:          opts.Launcher,
		MachineType:   d.conf.Machine.Type,
		Image:         d.conf.Machine.Image,
		DiskSizeGB:    d.conf.Machine.DiskSizeGB,
		StartupScript: script,
		Metadata:      map[string]string{ConfigAttribute: string(conf)},
		ServiceAccount: &ServiceAccount{
			Email:  opts.ServiceAccount,
			Scopes: opts.Scopes,
		},
	}
	log.Info("creating launcher",
		slog.String("serviceAccount", opts.ServiceAccount),
		slog.String("scopes", strings.Join(opts.Scopes, ",")))
	if err := d.compute.CreateInstance(ctx, log, launcher); err != nil {
		return zero, fmt.Errorf("create launcher %s: %w", opts.Launcher, err)
	}
	if !opts.Wait {
		return launcher, nil
	}

	_, err = Await(ctx, log, AwaitOpts{
		What:     opts.Target + " created",
		Timeout:  time.Duration(d.conf.Readiness.Timeout),
		Interval: time.Duration(d.conf.Readiness.Interval),
	}, func(ctx context.Context) (struct{}, error) {
		_, err := d.compute.GetInstance(ctx, log, opts.Target)
		switch {
		case err == nil:
			return struct{}{}, nil
		case !errors.Is(err, Missing):
			return struct{}{}, fmt.Errorf("get instance: %w", err)
		}
		out, err := d.compute.SerialOutput(ctx, log, opts.Launcher)
		if err != nil && !errors.Is(err, Missing) {
			return struct{}{}, fmt.Errorf("serial output: %w", err)
		}
		if err := delegateFailure(out, opts.Target); err != nil {
			return struct{}{}, fmt.Errorf("launcher %s: %w",
				opts.Launcher, err)
		}
		return struct{}{}, Pending("target not created")
	})
	if err != nil {
		return zero, fmt.Errorf("await target: %w", err)
	}
	target, err := d.awaitReady(ctx, log, opts.Target)
	if err != nil {
		return zero, err
	}
	return target, nil
}
