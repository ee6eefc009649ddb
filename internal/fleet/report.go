package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hako/durafmt"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/xid"
)

// Report of a fleet run, kept in the artifact bucket under reports/.
type Report struct {
	RunID     string    `json:"runID"`
	Identity  Identity  `json:"identity"`
	CreatedAt time.Time `json:"createdAt"`
	FleetResult
}

type ReportStore interface {
	PutReport(ctx context.Context, log *slog.Logger, r Report) error
}

// ReportPath is the object a report is stored under.
func ReportPath(runID string) string {
	return "reports/" + runID + ".json"
}

// WriteReport writes res as a Markdown table to path and, when a report store
// is configured, uploads it.
func (d *Driver) WriteReport(
	ctx context.Context,
	log *slog.Logger,
	res FleetResult,
	path string,
) (Report, error) {
	r := Report{
		RunID:       xid.New().String(),
		Identity:    d.identity,
		CreatedAt:   time.Now().UTC(),
		FleetResult: res,
	}
	fi, err := os.Create(path)
	if err != nil {
		return r, fmt.Errorf("create: %w", err)
	}
	defer func() { _ = fi.Close() }()
	if err := WriteMarkdown(fi, r); err != nil {
		return r, fmt.Errorf("write markdown: %w", err)
	}
	if err := fi.Close(); err != nil {
		return r, fmt.Errorf("close: %w", err)
	}
	log.Info("wrote report", slog.String("path", path))

	if d.reports == nil {
		return r, nil
	}
	if err := d.reports.PutReport(ctx, log, r); err != nil {
		return r, fmt.Errorf("put report: %w", err)
	}
	log.Info("uploaded report", slog.String("object", ReportPath(r.RunID)))
	return r, nil
}

// WriteMarkdown renders the timings of r as a Markdown table.
func WriteMarkdown(w io.Writer, r Report) error {
	_, err := fmt.Fprintf(w, "# Clone Timing Results\n\n"+
		"Run `%s` from image `%s` (snapshot `%s` of `%s`).\n\n",
		r.RunID, r.Image, r.Snapshot, r.Source)
	if err != nil {
		return fmt.Errorf("fprintf: %w", err)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"instance", "created_seconds",
		"running_seconds", "running", "error"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Right: true})
	table.SetCenterSeparator("|")
	for _, t := range r.Timings {
		table.Append([]string{
			t.Instance,
			seconds(t.CreateDuration()),
			seconds(t.Duration()),
			human(t.Duration()),
			t.Err,
		})
	}
	table.Render()
	return nil
}

func seconds(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func human(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return durafmt.Parse(d.Round(time.Millisecond)).LimitFirstN(2).String()
}
