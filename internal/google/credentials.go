package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gcemetadata "cloud.google.com/go/compute/metadata"
	"github.com/thankful-ai/bootfleet/internal/fleet"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultCredentials returns a client signed with the application default
// credentials of whoever runs the CLI.
func DefaultCredentials(
	ctx context.Context,
	log *slog.Logger,
	prov fleet.Provider,
) (*http.Client, fleet.Identity, error) {
	identity := fleet.Identity{
		Kind:    fleet.IdentityOperator,
		Project: prov.Project,
		Zone:    prov.Zone,
	}
	creds, err := google.FindDefaultCredentials(ctx,
		fleet.ScopeCompute, fleet.ScopeStorageReadWrite)
	if err != nil {
		return nil, identity, fmt.Errorf("find default credentials: %w",
			err)
	}

	identity.Email = credentialsEmail(log, creds.JSON)
	return authorized(creds.TokenSource), identity, nil
}

// credentialsEmail reads the email of a service account key. User
// credentials carry none, and an unreadable key only costs the email in logs
// and reports.
func credentialsEmail(log *slog.Logger, byt []byte) string {
	if len(byt) == 0 {
		return ""
	}
	var key struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(byt, &key); err != nil {
		log.Debug("no email in credentials", slog.Any("error", err))
		return ""
	}
	return key.ClientEmail
}

// MetadataCredentials returns a client signed as the service account
// attached to the VM this runs on, along with the project and zone the VM
// lives in. The account's scopes bound what the client may do, whatever its
// IAM roles.
func MetadataCredentials(
	ctx context.Context,
) (*http.Client, fleet.Identity, error) {
	var identity fleet.Identity
	if !gcemetadata.OnGCE() {
		return nil, identity, errors.New("not running on gce")
	}
	mc := gcemetadata.NewClient(fleet.HTTPClient())
	project, err := mc.ProjectIDWithContext(ctx)
	if err != nil {
		return nil, identity, fmt.Errorf("project id: %w", err)
	}
	zone, err := mc.ZoneWithContext(ctx)
	if err != nil {
		return nil, identity, fmt.Errorf("zone: %w", err)
	}
	email, err := mc.EmailWithContext(ctx, "default")
	if err != nil {
		return nil, identity, fmt.Errorf("email: %w", err)
	}
	identity = fleet.Identity{
		Kind:    fleet.IdentityServiceAccount,
		Email:   email,
		Project: project,
		Zone:    zone,
	}
	return authorized(google.ComputeTokenSource("default")), identity, nil
}

// MetadataProvider describes the provider of the VM this runs on.
func MetadataProvider(identity fleet.Identity) fleet.Provider {
	return fleet.Provider{
		Name:    "gcp",
		Project: identity.Project,
		Region:  RegionOf(identity.Zone),
		Zone:    identity.Zone,
	}
}

// InstanceAttribute reads a custom metadata attribute of this VM.
func InstanceAttribute(ctx context.Context, name string) (string, error) {
	mc := gcemetadata.NewClient(fleet.HTTPClient())
	val, err := mc.InstanceAttributeValueWithContext(ctx, name)
	if err != nil {
		return "", fmt.Errorf("instance attribute %s: %w", name, err)
	}
	return val, nil
}

// InstanceName of this VM.
func InstanceName(ctx context.Context) (string, error) {
	mc := gcemetadata.NewClient(fleet.HTTPClient())
	name, err := mc.InstanceNameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("instance name: %w", err)
	}
	return name, nil
}

// RegionOf a zone, e.g. us-west1 for us-west1-b.
func RegionOf(zone string) string {
	idx := strings.LastIndex(zone, "-")
	if idx == -1 {
		return zone
	}
	return zone[:idx]
}

// authorized wraps ts in a client that doesn't share a global transport.
func authorized(ts oauth2.TokenSource) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, ts),
			Base:   fleet.HTTPClient().Transport,
		},
	}
}
