package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thankful-ai/bootfleet/internal/fleet"
	"google.golang.org/api/googleapi"
)

var _ fleet.Compute = &GCP{}

// GCP implements fleet.Compute over the Compute Engine JSON API. The client
// is expected to authenticate its own requests, see DefaultCredentials and
// MetadataCredentials.
type GCP struct {
	client   *http.Client
	identity fleet.Identity
	project  string
	region   string
	zone     string
	url      string

	// pollInterval and opTimeout bound waits on operations.
	pollInterval time.Duration
	opTimeout    time.Duration
}

func NewGCP(
	client *http.Client,
	identity fleet.Identity,
	projectName, region, zone string,
) (*GCP, error) {
	if projectName == "" {
		return nil, errors.New("missing project")
	}
	if zone == "" {
		return nil, errors.New("missing zone")
	}
	g := &GCP{
		client:       client,
		identity:     identity,
		project:      projectName,
		region:       region,
		zone:         zone,
		url:          "https://compute.googleapis.com/compute/v1",
		pollInterval: 2 * time.Second,
		opTimeout:    10 * time.Minute,
	}
	return g, nil
}

func (g *GCP) ListInstances(
	ctx context.Context,
	log *slog.Logger,
) ([]fleet.Instance, error) {
	var (
		out       []fleet.Instance
		pageToken string
	)
	for {
		path := "/instances"
		if pageToken != "" {
			path += "?" + url.Values{"pageToken": {pageToken}}.Encode()
		}
		byt, err := g.do(ctx, log, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("do %s: %w", path, err)
		}
		var data struct {
			Items         []*instance `json:"items"`
			NextPageToken string      `json:"nextPageToken"`
		}
		if err := json.Unmarshal(byt, &data); err != nil {
			log.Warn(string(byt), slog.String("func", "ListInstances"))
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		for _, v := range data.Items {
			inst, err := instanceFromGoogle(v)
			if err != nil {
				return nil, fmt.Errorf("instance from google: %w", err)
			}
			out = append(out, inst)
		}
		if data.NextPageToken == "" {
			return out, nil
		}
		pageToken = data.NextPageToken
	}
}

func (g *GCP) GetInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (fleet.Instance, error) {
	var zero fleet.Instance
	path := fmt.Sprintf("/instances/%s", name)
	byt, err := g.do(ctx, log, http.MethodGet, path, nil)
	if err != nil {
		return zero, fmt.Errorf("do %s: %w", path, err)
	}
	v := &instance{}
	if err := json.Unmarshal(byt, v); err != nil {
		log.Warn(string(byt), slog.String("func", "GetInstance"))
		return zero, fmt.Errorf("unmarshal: %w", err)
	}
	inst, err := instanceFromGoogle(v)
	if err != nil {
		return zero, fmt.Errorf("instance from google: %w", err)
	}
	return inst, nil
}

func (g *GCP) CreateInstance(
	ctx context.Context,
	log *slog.Logger,
	inst fleet.Instance,
) error {
	log.Info("creating instance", slog.String("name", inst.Name))

	byt, err := json.Marshal(g.instanceToGoogle(inst))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := g.mutate(ctx, log, http.MethodPost, "/instances", byt,
		"create instance "+inst.Name); err != nil {
		return err
	}
	log.Info("created instance", slog.String("name", inst.Name))
	return nil
}

func (g *GCP) DeleteInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	log.Info("deleting instance", slog.String("name", name))
	path := fmt.Sprintf("/instances/%s", name)
	return g.mutate(ctx, log, http.MethodDelete, path, nil,
		"delete instance "+name)
}

func (g *GCP) StopInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	path := fmt.Sprintf("/instances/%s/stop", name)
	return g.mutate(ctx, log, http.MethodPost, path, nil,
		"stop instance "+name)
}

func (g *GCP) StartInstance(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	path := fmt.Sprintf("/instances/%s/start", name)
	return g.mutate(ctx, log, http.MethodPost, path, nil,
		"start instance "+name)
}

func (g *GCP) SerialOutput(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (string, error) {
	path := fmt.Sprintf("/instances/%s/serialPort?port=1", name)
	byt, err := g.do(ctx, log, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("do %s: %w", path, err)
	}
	var data struct {
		Contents string `json:"contents"`
	}
	if err := json.Unmarshal(byt, &data); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	return data.Contents, nil
}

func (g *GCP) GetFirewall(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (fleet.FirewallRule, error) {
	var zero fleet.FirewallRule
	path := fmt.Sprintf("/global/firewalls/%s", name)
	byt, err := g.do(ctx, log, http.MethodGet, path, nil)
	if err != nil {
		return zero, fmt.Errorf("do %s: %w", path, err)
	}
	var f firewall
	if err := json.Unmarshal(byt, &f); err != nil {
		return zero, fmt.Errorf("unmarshal: %w", err)
	}
	rule := fleet.FirewallRule{
		Name:         f.Name,
		Network:      f.Network,
		Direction:    f.Direction,
		Priority:     f.Priority,
		SourceRanges: f.SourceRanges,
		TargetTags:   f.TargetTags,
	}
	for _, a := range f.Allowed {
		rule.Allowed = append(rule.Allowed, fleet.PortRule{
			Protocol: a.IPProtocol,
			Ports:    a.Ports,
		})
	}
	return rule, nil
}

func (g *GCP) CreateFirewall(
	ctx context.Context,
	log *slog.Logger,
	rule fleet.FirewallRule,
) error {
	f := firewall{
		Name:         rule.Name,
		Network:      rule.Network,
		Direction:    rule.Direction,
		Priority:     rule.Priority,
		SourceRanges: rule.SourceRanges,
		TargetTags:   rule.TargetTags,
	}
	for _, a := range rule.Allowed {
		f.Allowed = append(f.Allowed, allowed{
			IPProtocol: a.Protocol,
			Ports:      a.Ports,
		})
	}
	byt, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return g.mutate(ctx, log, http.MethodPost, "/global/firewalls", byt,
		"create firewall "+rule.Name)
}

func (g *GCP) DeleteFirewall(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	path := fmt.Sprintf("/global/firewalls/%s", name)
	return g.mutate(ctx, log, http.MethodDelete, path, nil,
		"delete firewall "+name)
}

func (g *GCP) CreateSnapshot(
	ctx context.Context,
	log *slog.Logger,
	disk, name string,
) error {
	byt, err := json.Marshal(struct {
		Name string `json:"name"`
	}{Name: name})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	path := fmt.Sprintf("/disks/%s/createSnapshot", disk)
	return g.mutate(ctx, log, http.MethodPost, path, byt,
		"create snapshot "+name)
}

func (g *GCP) GetSnapshot(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (fleet.Snapshot, error) {
	var zero fleet.Snapshot
	path := fmt.Sprintf("/global/snapshots/%s", name)
	byt, err := g.do(ctx, log, http.MethodGet, path, nil)
	if err != nil {
		return zero, fmt.Errorf("do %s: %w", path, err)
	}
	var data struct {
		Name       string `json:"name"`
		SourceDisk string `json:"sourceDisk"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(byt, &data); err != nil {
		return zero, fmt.Errorf("unmarshal: %w", err)
	}
	return fleet.Snapshot{
		Name:       data.Name,
		SourceDisk: lastElem(data.SourceDisk),
		Status:     fleet.SnapshotStatus(data.Status),
	}, nil
}

func (g *GCP) DeleteSnapshot(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	path := fmt.Sprintf("/global/snapshots/%s", name)
	return g.mutate(ctx, log, http.MethodDelete, path, nil,
		"delete snapshot "+name)
}

func (g *GCP) CreateImage(
	ctx context.Context,
	log *slog.Logger,
	snapshot, name string,
) error {
	byt, err := json.Marshal(struct {
		Name           string `json:"name"`
		SourceSnapshot string `json:"sourceSnapshot"`
	}{
		Name:           name,
		SourceSnapshot: "global/snapshots/" + snapshot,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return g.mutate(ctx, log, http.MethodPost, "/global/images", byt,
		"create image "+name)
}

func (g *GCP) GetImage(
	ctx context.Context,
	log *slog.Logger,
	name string,
) (fleet.Image, error) {
	var zero fleet.Image
	path := fmt.Sprintf("/global/images/%s", name)
	byt, err := g.do(ctx, log, http.MethodGet, path, nil)
	if err != nil {
		return zero, fmt.Errorf("do %s: %w", path, err)
	}
	var data struct {
		Name           string `json:"name"`
		SourceSnapshot string `json:"sourceSnapshot"`
		Status         string `json:"status"`
	}
	if err := json.Unmarshal(byt, &data); err != nil {
		return zero, fmt.Errorf("unmarshal: %w", err)
	}
	return fleet.Image{
		Name:           data.Name,
		SourceSnapshot: lastElem(data.SourceSnapshot),
		Status:         fleet.ImageStatus(data.Status),
	}, nil
}

func (g *GCP) DeleteImage(
	ctx context.Context,
	log *slog.Logger,
	name string,
) error {
	path := fmt.Sprintf("/global/images/%s", name)
	return g.mutate(ctx, log, http.MethodDelete, path, nil,
		"delete image "+name)
}

// mutate sends a request that returns an operation and waits for the
// operation to finish.
func (g *GCP) mutate(
	ctx context.Context,
	log *slog.Logger,
	method, path string,
	body []byte,
	what string,
) error {
	byt, err := g.do(ctx, log, method, path, body)
	if err != nil {
		return fmt.Errorf("do %s: %w", path, err)
	}
	var op operation
	if err := json.Unmarshal(byt, &op); err != nil {
		log.Warn(string(byt), slog.String("func", "mutate"),
			slog.String("what", what))
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := g.waitForOperation(ctx, log, &op, what); err != nil {
		return fmt.Errorf("wait for operation: %w", err)
	}
	return nil
}

// waitForOperation polls op until it's DONE. Zonal operations are polled in
// the zone, everything else globally.
func (g *GCP) waitForOperation(
	ctx context.Context,
	log *slog.Logger,
	op *operation,
	what string,
) error {
	if op.Name == "" {
		return nil
	}
	path := "/global/operations/" + op.Name
	if op.Zone != "" {
		path = "/operations/" + op.Name
	}
	done, err := fleet.Await(ctx, log, fleet.AwaitOpts{
		What:     what,
		Timeout:  g.opTimeout,
		Interval: g.pollInterval,
	}, func(ctx context.Context) (*operation, error) {
		if op.Status == opDone {
			return op, nil
		}
		byt, err := g.do(ctx, log, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("do %s: %w", path, err)
		}
		var polled operation
		if err := json.Unmarshal(byt, &polled); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		if polled.Status != opDone {
			return nil, fleet.Pending("%s", polled.Status)
		}
		return &polled, nil
	})
	if err != nil {
		return err
	}
	return g.operationError(what, done)
}

// operationError classifies the error of a finished operation, if any.
func (g *GCP) operationError(what string, op *operation) error {
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	var (
		msgs     []string
		notFound = true
	)
	for _, e := range op.Error.Errors {
		msgs = append(msgs, fmt.Sprintf("%s (%s)", e.Message, e.Code))
		if e.Code != "RESOURCE_NOT_FOUND" {
			notFound = false
		}
	}
	msg := strings.Join(msgs, ", ")
	switch {
	case isAuthorizationFailure(op.HTTPErrorStatusCode,
		op.Error.Errors[0].Code):
		return &fleet.AuthorizationError{
			Op:       what,
			Identity: g.identity.String(),
			Code:     op.HTTPErrorStatusCode,
			Message:  msg,
		}
	case notFound, op.HTTPErrorStatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", what, msg, fleet.Missing)
	default:
		return &fleet.RejectedError{
			Op:      what,
			Code:    op.HTTPErrorStatusCode,
			Reason:  op.Error.Errors[0].Code,
			Message: msg,
		}
	}
}

func (g *GCP) do(
	ctx context.Context,
	log *slog.Logger,
	method, urlPath string,
	body []byte,
) ([]byte, error) {
	urlParsed, err := url.Parse(urlPath)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var uri string
	switch {
	case urlParsed.IsAbs():
		uri = urlPath
	case strings.HasPrefix(urlPath, "/global/"):
		uri = fmt.Sprintf("%s/projects/%s%s", g.url, g.project, urlPath)
	default:
		uri = fmt.Sprintf("%s/projects/%s/zones/%s%s", g.url,
			g.project, g.zone, urlPath)
	}
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reqBody)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do %s: %w", uri, err)
	}
	defer func() { _ = rsp.Body.Close() }()

	byt, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	if rsp.StatusCode == http.StatusOK {
		return byt, nil
	}
	log.Debug(string(byt),
		slog.String("uri", uri),
		slog.String("method", method),
		slog.Int("statusCode", rsp.StatusCode))
	return nil, g.statusError(method+" "+urlPath, rsp, byt)
}

// statusError turns a non-200 response into the fleet error taxonomy.
func (g *GCP) statusError(op string, rsp *http.Response, byt []byte) error {
	rsp.Body = io.NopCloser(bytes.NewReader(byt))
	err := googleapi.CheckResponse(rsp)
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("unexpected status code: %d", rsp.StatusCode)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.Code)
	}
	var reason string
	if len(apiErr.Errors) > 0 {
		reason = apiErr.Errors[0].Reason
	}

	switch {
	case isAuthorizationFailure(apiErr.Code, reason):
		return &fleet.AuthorizationError{
			Op:       op,
			Identity: g.identity.String(),
			Code:     apiErr.Code,
			Message:  msg,
		}
	case apiErr.Code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, fleet.Missing)
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return &fleet.RejectedError{
			Op:      op,
			Code:    apiErr.Code,
			Reason:  reason,
			Message: msg,
		}
	default:
		return fmt.Errorf("unexpected status code: %d: %s", apiErr.Code,
			msg)
	}
}

// quotaReasons are reported with a 403 but are limits, not permissions.
var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"QUOTA_EXCEEDED":        true,
}

func isAuthorizationFailure(code int, reason string) bool {
	switch code {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return !quotaReasons[reason]
	default:
		return false
	}
}

func (g *GCP) instanceToGoogle(inst fleet.Instance) *instance {
	items := []keyValue{{
		Key:   "google-logging-enabled",
		Value: "TRUE",
	}}
	if inst.StartupScript != "" {
		items = append(items, keyValue{
			Key:   "startup-script",
			Value: inst.StartupScript,
		})
	}
	keys := make([]string, 0, len(inst.Metadata))
	for k := range inst.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		items = append(items, keyValue{Key: k, Value: inst.Metadata[k]})
	}

	params := initializeParams{SourceImage: inst.Image}
	if inst.DiskSizeGB > 0 {
		params.DiskSizeGB = strconv.Itoa(inst.DiskSizeGB)
	}
	v := &instance{
		Name: inst.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", g.zone,
			inst.MachineType),
		Disks: []*disk{{
			Boot:             true,
			AutoDelete:       true,
			Type:             dtPersistent,
			InitializeParams: &params,
		}},
		NetworkInterfaces: []*networkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*accessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		Tags:     tags{Items: inst.Tags},
		Metadata: &metadata{Items: items},
	}
	if sa := inst.ServiceAccount; sa != nil {
		v.ServiceAccounts = []*serviceAccount{{
			Email:  sa.Email,
			Scopes: sa.Scopes,
		}}
	}
	return v
}

func instanceFromGoogle(v *instance) (fleet.Instance, error) {
	var zero fleet.Instance
	inst := fleet.Instance{
		Name:        v.Name,
		MachineType: lastElem(v.MachineType),
		Tags:        v.Tags.Items,
		Status:      fleet.InstanceStatus(v.Status),
	}
	for _, d := range v.Disks {
		if !d.Boot {
			continue
		}
		// Source is a URL ending in /disks/$name.
		_, name, ok := strings.Cut(d.Source, "/disks/")
		if !ok {
			return zero, fmt.Errorf("invalid boot disk source: %q",
				d.Source)
		}
		inst.BootDisk = name
		if d.DiskSizeGB != "" {
			size, err := strconv.Atoi(d.DiskSizeGB)
			if err != nil {
				return zero, fmt.Errorf(
					"bad disk size (must be int): %q",
					d.DiskSizeGB)
			}
			inst.DiskSizeGB = size
		}
	}
	if len(v.ServiceAccounts) > 0 {
		inst.ServiceAccount = &fleet.ServiceAccount{
			Email:  v.ServiceAccounts[0].Email,
			Scopes: v.ServiceAccounts[0].Scopes,
		}
	}

	// Addresses are assigned while the instance is provisioning, so
	// they're optional here.
	if len(v.NetworkInterfaces) > 0 {
		ni := v.NetworkInterfaces[0]
		if ni.NetworkIP != "" {
			addr, err := netip.ParseAddr(ni.NetworkIP)
			if err != nil {
				return zero, fmt.Errorf("parse addr: %w", err)
			}
			inst.InternalIP = addr
		}
		if len(ni.AccessConfigs) > 0 && ni.AccessConfigs[0].NatIP != "" {
			addr, err := netip.ParseAddr(ni.AccessConfigs[0].NatIP)
			if err != nil {
				return zero, fmt.Errorf("parse addr: %w", err)
			}
			inst.ExternalIP = addr
		}
	}
	return inst, nil
}

// lastElem of a resource URL, e.g. the machine type in
// https://www.googleapis.com/compute/v1/projects/p/zones/z/machineTypes/e2-micro
func lastElem(s string) string {
	idx := strings.LastIndex(s, "/")
	if idx == -1 {
		return s
	}
	return s[idx+1:]
}

type instance struct {
	Name              string              `json:"name"`
	MachineType       string              `json:"machineType"`
	Disks             []*disk             `json:"disks"`
	NetworkInterfaces []*networkInterface `json:"networkInterfaces,omitempty"`
	ServiceAccounts   []*serviceAccount   `json:"serviceAccounts,omitempty"`
	Status            string              `json:"status,omitempty"`
	Tags              tags                `json:"tags,omitempty"`
	Metadata          *metadata           `json:"metadata,omitempty"`
}

type metadata struct {
	Items []keyValue `json:"items"`
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type tags struct {
	Items []string `json:"items,omitempty"`
}

type disk struct {
	Boot             bool              `json:"boot"`
	AutoDelete       bool              `json:"autoDelete"`
	Type             diskType          `json:"type,omitempty"`
	InitializeParams *initializeParams `json:"initializeParams,omitempty"`

	// After the disk is made, these are available
	Source     string `json:"source,omitempty"`
	DiskSizeGB string `json:"diskSizeGb,omitempty"`
}

type diskType string

const dtPersistent diskType = "PERSISTENT"

type initializeParams struct {
	SourceImage string `json:"sourceImage,omitempty"`

	// DiskSizeGB is an int64 formatted as a string.
	DiskSizeGB string `json:"diskSizeGb,omitempty"`
}

type networkInterface struct {
	Name          string          `json:"name,omitempty"`
	Network       string          `json:"network"`
	AccessConfigs []*accessConfig `json:"accessConfigs"`

	// NetworkIP is available after creating boxes
	NetworkIP string `json:"networkIP,omitempty"`
}

type accessConfig struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	NatIP string `json:"natIP,omitempty"`
}

type serviceAccount struct {
	Email  string   `json:"email"`
	Scopes []string `json:"scopes,omitempty"`
}

type firewall struct {
	Name         string    `json:"name"`
	Network      string    `json:"network"`
	Direction    string    `json:"direction"`
	Priority     int       `json:"priority"`
	SourceRanges []string  `json:"sourceRanges,omitempty"`
	TargetTags   []string  `json:"targetTags,omitempty"`
	Allowed      []allowed `json:"allowed"`
}

type allowed struct {
	IPProtocol string   `json:"IPProtocol"`
	Ports      []string `json:"ports,omitempty"`
}

const opDone = "DONE"

type operation struct {
	Name   string `json:"name"`
	Zone   string `json:"zone,omitempty"`
	Status string `json:"status"`
	Error  *struct {
		Errors []struct {
			Code     string `json:"code"`
			Location string `json:"location"`
			Message  string `json:"message"`
		} `json:"errors"`
	} `json:"error,omitempty"`
	HTTPErrorStatusCode int    `json:"httpErrorStatusCode,omitempty"`
	HTTPErrorMessage    string `json:"httpErrorMessage,omitempty"`
}
