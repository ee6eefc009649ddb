package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/thankful-ai/bootfleet/internal/fleet"
	"github.com/thankful-ai/bootfleet/internal/google"
)

const version = "v0.1.0"

func main() {
	if err := run(); err != nil {
		switch {
		case errors.Is(err, emptyArgError("")):
			usage()
		default:
			fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(1)
	}
}

type opts struct {
	configPath  string
	credentials string
	timeout     time.Duration
	count       int
	quiesce     bool
	wait        bool
	yes         bool
	reportPath  string
}

func run() error {
	var o opts
	flag.StringVar(&o.configPath, "config", fleet.ConfigName,
		`config filepath, or "metadata" to read it from this VM`)
	flag.StringVar(&o.credentials, "credentials", "default",
		`"default" for application default credentials, or "metadata" `+
			"for this VM's service account")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Minute,
		"timeout of the whole command")
	flag.IntVar(&o.count, "count", 3, "count of clones")
	flag.BoolVar(&o.quiesce, "quiesce", false,
		"stop the source while it's snapshotted")
	flag.BoolVar(&o.wait, "wait", false,
		"wait for the delegated target to become ready")
	flag.BoolVar(&o.yes, "yes", false, "don't ask for confirmation")
	flag.StringVar(&o.reportPath, "report", "clone_timings.md",
		"where to write the fleet report")
	flag.Parse()

	arg, tail := parseArg(flag.Args())
	switch arg {
	case "provision":
		return provision(tail, o)
	case "fleet":
		return createFleet(tail, o)
	case "delegate":
		return delegate(tail, o)
	case "cleanup":
		return cleanup(tail, o)
	case "list":
		return list(tail, o)
	case "publish":
		return publish(tail, o)
	case "report", "reports":
		return reports(tail, o)
	case "version":
		fmt.Println(version)
		return nil
	case "", "help":
		return emptyArgError("")
	default:
		return badArgError(arg)
	}
}

// env is everything a subcommand needs to talk to the control plane.
type env struct {
	conf     fleet.Config
	log      *slog.Logger
	identity fleet.Identity
	driver   *fleet.Driver
	bucket   *google.Bucket
}

func setup(ctx context.Context, o opts) (*env, error) {
	conf, err := loadConfig(ctx, o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := fleet.NewLogger(conf.Log, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("new logger: %w", err)
	}
	prov, err := fleet.ParseProvider(conf.Provider)
	if err != nil {
		return nil, fmt.Errorf("parse provider: %w", err)
	}

	e := &env{conf: conf, log: log}
	var client *http.Client
	switch o.credentials {
	case "default":
		client, e.identity, err = google.DefaultCredentials(ctx, log, prov)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
	case "metadata":
		client, e.identity, err = google.MetadataCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("metadata credentials: %w", err)
		}
		prov = google.MetadataProvider(e.identity)
	default:
		return nil, badArgError(o.credentials)
	}
	e.log = e.log.With(slog.String("identity", e.identity.String()))

	gcp, err := google.NewGCP(client, e.identity, prov.Project,
		prov.Region, prov.Zone)
	if err != nil {
		return nil, fmt.Errorf("new gcp: %w", err)
	}
	driverOpts := fleet.DriverOpts{
		Compute:  gcp,
		Config:   conf,
		Identity: e.identity,
	}
	if conf.Bucket != "" {
		e.bucket = google.NewBucket(client, conf.Bucket)
		driverOpts.Reports = e.bucket
	}
	e.driver, err = fleet.NewDriver(driverOpts)
	if err != nil {
		return nil, fmt.Errorf("new driver: %w", err)
	}
	return e, nil
}

func loadConfig(ctx context.Context, path string) (fleet.Config, error) {
	if path != fleet.ConfigFromMetadata {
		return fleet.ParseConfig(path)
	}
	val, err := google.InstanceAttribute(ctx, fleet.ConfigAttribute)
	if err != nil {
		return fleet.Config{}, fmt.Errorf("instance attribute: %w", err)
	}
	return fleet.UnmarshalConfig([]byte(val))
}

func withTimeout(o opts) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func provision(args []string, o opts) (err error) {
	arg, tail := parseArg(args)
	switch arg {
	case "", "help":
		return emptyArgError("provision $NAME")
	}
	if len(tail) > 0 {
		return errors.New("too many arguments")
	}

	// A launcher reports through the serial console, which the operator
	// is watching.
	if o.credentials == "metadata" {
		defer func() {
			if err != nil {
				fmt.Println(fleet.DelegateFailedLine(arg, err))
			}
		}()
	}

	ctx, cancel := withTimeout(o)
	defer cancel()

	e, err := setup(ctx, o)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	inst, err := e.driver.Provision(ctx, e.log, arg)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	fmt.Printf("http://%s:%d%s\n", inst.ExternalIP,
		e.conf.Bootstrap.Port, e.conf.Readiness.Path)
	return nil
}

func createFleet(args []string, o opts) error {
	arg, tail := parseArg(args)
	switch arg {
	case "", "help":
		return emptyArgError("fleet $SOURCE")
	}
	if len(tail) > 0 {
		return errors.New("too many arguments")
	}

	ctx, cancel := withTimeout(o)
	defer cancel()

	e, err := setup(ctx, o)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	res, fleetErr := e.driver.Fleet(ctx, e.log, fleet.FleetOpts{
		Source:  arg,
		Count:   o.count,
		Quiesce: o.quiesce,
	})
	if len(res.Timings) == 0 {
		return fmt.Errorf("fleet: %w", fleetErr)
	}

	// Clones that failed are in the report too.
	r, err := e.driver.WriteReport(ctx, e.log, res, o.reportPath)
	if err != nil {
		return errors.Join(fleetErr, fmt.Errorf("write report: %w", err))
	}
	if err := fleet.WriteMarkdown(os.Stdout, r); err != nil {
		return errors.Join(fleetErr, fmt.Errorf("write markdown: %w", err))
	}
	if fleetErr != nil {
		return fmt.Errorf("fleet: %w", fleetErr)
	}
	return nil
}

func delegate(args []string, o opts) error {
	if len(args) != 2 {
		return emptyArgError("delegate $LAUNCHER $TARGET")
	}

	ctx, cancel := withTimeout(o)
	defer cancel()

	e, err := setup(ctx, o)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	inst, err := e.driver.Delegate(ctx, e.log, fleet.DelegateOpts{
		Launcher: args[0],
		Target:   args[1],
		Wait:     o.wait,
	})
	if err != nil {
		return fmt.Errorf("delegate: %w", err)
	}
	if o.wait {
		fmt.Printf("http://%s:%d%s\n", inst.ExternalIP,
			e.conf.Bootstrap.Port, e.conf.Readiness.Path)
	}
	return nil
}

func cleanup(args []string, o opts) error {
	arg, tail := parseArg(args)
	switch arg {
	case "", "help":
		return emptyArgError("cleanup $SOURCE")
	}
	if len(tail) > 0 {
		return errors.New("too many arguments")
	}

	cleanupOpts := fleet.CleanupOpts{Source: arg, Count: o.count}
	if !o.yes {
		ok, err := confirm("delete " + cleanupOpts.Names())
		if err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
		if !ok {
			return nil
		}
	}

	ctx, cancel := withTimeout(o)
	defer cancel()

	e, err := setup(ctx, o)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := e.driver.Cleanup(ctx, e.log, cleanupOpts); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

func list(args []string, o opts) error {
	if len(args) > 0 {
		return errors.New("too many arguments")
	}

	ctx, cancel := withTimeout(o)
	defer cancel()

	e, err := setup(ctx, o)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	insts, err := e.driver.List(ctx, e.log)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	sort.Slice(insts, func(i, j int) bool {
		return insts[i].Name < insts[j].Name
	})

	type summary struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		ExternalIP string `json:"externalIP,omitempty"`
		Tags       string `json:"tags,omitempty"`
	}
	out := make([]summary, 0, len(insts))
	for _, inst := range insts {
		s := summary{
			Name:   inst.Name,
			Status: string(inst.Status),
			Tags:   strings.Join(inst.Tags, ","),
		}
		if inst.ExternalIP.IsValid() {
			s.ExternalIP = inst.ExternalIP.String()
		}
		out = append(out, s)
	}
	byt, err := json.MarshalIndent(out, "", "\t")
	if err != nil {
		return fmt.Errorf("marshal indent: %w", err)
	}
	fmt.Println(string(byt))
	return nil
}

// publish uploads a built binary to the artifact bucket, where launchers
// fetch it on boot.
func publish(args []string, o opts) error {
	if len(args) != 2 {
		return emptyArgError("publish [bootstrap|bootfleet] $PATH")
	}
	var object string
	switch args[0] {
	case "bootstrap":
		object = fleet.ObjectBootstrap
	case "bootfleet":
		object = fleet.ObjectCLI
	default:
		return badArgError(args[0])
	}

	ctx, cancel := withTimeout(o)
	defer cancel()

	e, err := setup(ctx, o)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if e.bucket == nil {
		return errors.New("missing bucket in config")
	}
	fi, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() { _ = fi.Close() }()
	if err := e.bucket.PutArtifact(ctx, e.log, object, fi); err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

func reports(args []string, o opts) error {
	arg, tail := parseArg(args)
	if len(tail) > 0 {
		return errors.New("too many arguments")
	}

	ctx, cancel := withTimeout(o)
	defer cancel()

	e, err := setup(ctx, o)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if e.bucket == nil {
		return errors.New("missing bucket in config")
	}
	if arg == "" {
		ids, err := e.bucket.ListReports(ctx)
		if err != nil {
			return fmt.Errorf("list reports: %w", err)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	r, err := e.bucket.GetReport(ctx, arg)
	switch {
	case errors.Is(err, fleet.Missing):
		return fmt.Errorf("no report %s", arg)
	case err != nil:
		return fmt.Errorf("get report: %w", err)
	}
	if err := fleet.WriteMarkdown(os.Stdout, r); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	return nil
}

func confirm(prompt string) (bool, error) {
	fmt.Printf("%s? [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read string: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// parseArg splits the arguments into a head and tail.
func parseArg(args []string) (string, []string) {
	switch len(args) {
	case 0:
		return "", nil
	case 1:
		return args[0], nil
	default:
		return args[0], args[1:]
	}
}

type emptyArgError string

func (e emptyArgError) Error() string {
	return fmt.Sprintf("usage: bootfleet %s", string(e))
}

type badArgError string

func (e badArgError) Error() string {
	return fmt.Sprintf("unknown argument: %s", string(e))
}

func usage() {
	fmt.Println(`usage: bootfleet [flags] [provision|fleet|delegate|cleanup|list|publish|reports|version] ...`)
}
