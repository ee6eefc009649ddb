package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sasha-s/go-deadlock"
	"github.com/thankful-ai/bootfleet/internal/fleet"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var _ fleet.ReportStore = &Bucket{}

// Bucket holds the binaries launchers fetch and the reports of fleet runs.
type Bucket struct {
	name   string
	client *http.Client
	mu     deadlock.RWMutex
}

func NewBucket(client *http.Client, name string) *Bucket {
	return &Bucket{name: name, client: client}
}

func (b *Bucket) PutReport(
	ctx context.Context,
	log *slog.Logger,
	r fleet.Report,
) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	byt, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	name := fleet.ReportPath(r.RunID)
	err = b.put(ctx, name, "application/json", strings.NewReader(string(byt)))
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	log.Debug("put report", slog.String("object", name))
	return nil
}

func (b *Bucket) GetReport(
	ctx context.Context,
	runID string,
) (fleet.Report, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var r fleet.Report
	byt, err := b.get(ctx, fleet.ReportPath(runID))
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return r, fleet.Missing
	case err != nil:
		return r, fmt.Errorf("get: %w", err)
	}
	if err = json.Unmarshal(byt, &r); err != nil {
		return r, fmt.Errorf("unmarshal: %w", err)
	}
	return r, nil
}

// ListReports returns the run IDs of every stored report.
func (b *Bucket) ListReports(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names, err := b.list(ctx, "reports/")
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		ids = append(ids, strings.TrimSuffix(path.Base(name), ".json"))
	}
	return ids, nil
}

// PutArtifact uploads a binary for launchers to fetch.
func (b *Bucket) PutArtifact(
	ctx context.Context,
	log *slog.Logger,
	object string,
	r io.Reader,
) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.put(ctx, object, "application/octet-stream", r); err != nil {
		return fmt.Errorf("put %s: %w", object, err)
	}
	log.Info("published", slog.String("object",
		fmt.Sprintf("gs://%s/%s", b.name, object)))
	return nil
}

func (b *Bucket) newClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, option.WithHTTPClient(b.client))
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	return client, nil
}

func (b *Bucket) list(ctx context.Context, prefix string) ([]string, error) {
	client, err := b.newClient(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	var names []string
	it := client.Bucket(b.name).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		objAttrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("next: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("next: %w", ctx.Err())
		default:
			names = append(names, objAttrs.Name)
		}
	}
	return names, nil
}

func (b *Bucket) get(ctx context.Context, name string) ([]byte, error) {
	client, err := b.newClient(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	r, err := client.Bucket(b.name).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("new reader: %w", err)
	}
	defer func() { _ = r.Close() }()

	const maxBytes = 256 * 1024 // 256 KB
	lr := io.LimitReader(r, maxBytes)
	byt, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return byt, nil
}

func (b *Bucket) put(
	ctx context.Context,
	name, contentType string,
	data io.Reader,
) error {
	client, err := b.newClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	// Cancelling before Close discards the upload, so a failed copy never
	// leaves a truncated object behind.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := client.Bucket(b.name).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if err := copyObject(w, data, cancel); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// copyObject copies data into w. On failure it calls abort and then closes
// w, which must then report the aborted write rather than commit it.
func copyObject(w io.WriteCloser, data io.Reader, abort func()) error {
	if _, err := io.Copy(w, data); err != nil {
		abort()
		_ = w.Close()
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
