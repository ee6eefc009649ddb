package fleet

import (
	"context"
	"log/slog"
	"net/netip"
)

type Instance struct {
	// Name of the instance.
	Name string `json:"name"`

	// MachineType in the cloud provider, e.g. e2-micro.
	MachineType string `json:"machineType"`

	// Image the boot disk is created from. Either an image family URL or
	// a global/images/$name reference.
	Image string `json:"image,omitempty"`

	// DiskSizeGB of the boot disk. Zero keeps the image's size.
	DiskSizeGB int `json:"diskSizeGB,omitempty"`

	// StartupScript run once by the guest agent as root on boot.
	StartupScript string `json:"-"`

	// Metadata holds extra instance attributes next to the startup
	// script.
	Metadata map[string]string `json:"-"`

	// Tags select the firewall rules applied to the instance.
	Tags []string `json:"tags,omitempty"`

	// ServiceAccount attached to the instance, if any. Code on the
	// instance calls the control plane as this identity.
	ServiceAccount *ServiceAccount `json:"serviceAccount,omitempty"`

	// The fields below are reported by the provider.

	Status     InstanceStatus `json:"status,omitempty"`
	BootDisk   string         `json:"bootDisk,omitempty"`
	InternalIP netip.Addr     `json:"internalIP,omitempty"`
	ExternalIP netip.Addr     `json:"externalIP,omitempty"`
}

type InstanceStatus string

const (
	StatusProvisioning InstanceStatus = "PROVISIONING"
	StatusStaging      InstanceStatus = "STAGING"
	StatusRunning      InstanceStatus = "RUNNING"
	StatusStopping     InstanceStatus = "STOPPING"
	StatusStopped      InstanceStatus = "STOPPED"
	StatusSuspended    InstanceStatus = "SUSPENDED"
	StatusTerminated   InstanceStatus = "TERMINATED"
)

type ServiceAccount struct {
	Email  string   `json:"email"`
	Scopes []string `json:"scopes,omitempty"`
}

// Scopes granted to instances.
const (
	ScopeCloudPlatform    = "https://www.googleapis.com/auth/cloud-platform"
	ScopeCompute          = "https://www.googleapis.com/auth/compute"
	ScopeStorageRead      = "https://www.googleapis.com/auth/devstorage.read_only"
	ScopeStorageReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"
	ScopeLoggingWrite     = "https://www.googleapis.com/auth/logging.write"
)

type InstanceStore interface {
	// CreateInstance. This must hang until the create operation is done.
	CreateInstance(context.Context, *slog.Logger, Instance) error

	GetInstance(ctx context.Context, log *slog.Logger, name string) (Instance, error)

	ListInstances(context.Context, *slog.Logger) ([]Instance, error)

	// DeleteInstance and hang until it's gone. Deleting a missing instance
	// returns Missing.
	DeleteInstance(ctx context.Context, log *slog.Logger, name string) error

	StopInstance(ctx context.Context, log *slog.Logger, name string) error
	StartInstance(ctx context.Context, log *slog.Logger, name string) error

	// SerialOutput returns the contents of the first serial port, where
	// the guest agent echoes startup script output.
	SerialOutput(ctx context.Context, log *slog.Logger, name string) (string, error)
}

// Compute is everything the drivers need from the control plane.
type Compute interface {
	InstanceStore
	FirewallStore
	ImageStore
}
