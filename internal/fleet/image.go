package fleet

import (
	"context"
	"log/slog"
)

type Snapshot struct {
	Name       string         `json:"name"`
	SourceDisk string         `json:"sourceDisk"`
	Status     SnapshotStatus `json:"status"`
}

type SnapshotStatus string

const (
	SnapshotCreating  SnapshotStatus = "CREATING"
	SnapshotUploading SnapshotStatus = "UPLOADING"
	SnapshotReady     SnapshotStatus = "READY"
	SnapshotFailed    SnapshotStatus = "FAILED"
	SnapshotDeleting  SnapshotStatus = "DELETING"
)

type Image struct {
	Name           string      `json:"name"`
	SourceSnapshot string      `json:"sourceSnapshot"`
	Status         ImageStatus `json:"status"`
}

type ImageStatus string

const (
	ImagePending  ImageStatus = "PENDING"
	ImageReady    ImageStatus = "READY"
	ImageFailed   ImageStatus = "FAILED"
	ImageDeleting ImageStatus = "DELETING"
)

// ImageStore creates snapshots and images. Create calls return once the
// operation is accepted and done; the resource itself may still be CREATING
// or PENDING, so callers Await its status.
type ImageStore interface {
	CreateSnapshot(ctx context.Context, log *slog.Logger, disk, name string) error
	GetSnapshot(ctx context.Context, log *slog.Logger, name string) (Snapshot, error)
	DeleteSnapshot(ctx context.Context, log *slog.Logger, name string) error

	CreateImage(ctx context.Context, log *slog.Logger, snapshot, name string) error
	GetImage(ctx context.Context, log *slog.Logger, name string) (Image, error)
	DeleteImage(ctx context.Context, log *slog.Logger, name string) error
}

// ImageRef is how instances reference an image in this project.
func ImageRef(name string) string {
	return "global/images/" + name
}
