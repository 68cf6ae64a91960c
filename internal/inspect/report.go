// Package inspect renders history reports from the execution archive.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/queue"
)

// Archive is the read side of the execution archive.
type Archive interface {
	Recent(ctx context.Context, name string, limit int) ([]ledger.Record, error)
}

// Report summarises archived executions, newest first.
type Report struct {
	Name        string                  `json:"name,omitempty"`
	Total       int                     `json:"total"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	AvgDuration time.Duration           `json:"avg_duration"`
	ByKind      map[queue.ErrorKind]int `json:"by_kind,omitempty"`
	ByName      map[string]int          `json:"by_name"`
	Records     []ledger.Record         `json:"records"`
}

// Gather reads up to limit records (optionally for one capability or work
// type) and summarises them.
func Gather(ctx context.Context, archive Archive, name string, limit int) (*Report, error) {
	records, err := archive.Recent(ctx, name, limit)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	r := &Report{
		Name:    name,
		ByKind:  make(map[queue.ErrorKind]int),
		ByName:  make(map[string]int),
		Records: records,
	}
	var total time.Duration
	for _, rec := range records {
		r.Total++
		r.ByName[rec.Name]++
		total += rec.Duration
		if rec.Success {
			r.Succeeded++
			continue
		}
		r.Failed++
		if rec.ErrorKind != queue.KindNone {
			r.ByKind[rec.ErrorKind]++
		}
	}
	if r.Total > 0 {
		r.AvgDuration = total / time.Duration(r.Total)
	}
	if r.Records == nil {
		r.Records = []ledger.Record{}
	}
	return r, nil
}

// BuildReport renders a terminal-friendly history report.
func BuildReport(ctx context.Context, archive Archive, name string, limit int) (string, error) {
	report, err := Gather(ctx, archive, name, limit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Execution History\n")
	if report.Name != "" {
		fmt.Fprintf(&out, "Name        : %s\n", report.Name)
	}
	fmt.Fprintf(&out, "Records     : %d\n", report.Total)
	fmt.Fprintf(&out, "Succeeded   : %d\n", report.Succeeded)
	fmt.Fprintf(&out, "Failed      : %d\n", report.Failed)
	fmt.Fprintf(&out, "Avg duration: %v\n", report.AvgDuration)

	if len(report.ByKind) > 0 {
		fmt.Fprintf(&out, "\nFailures by kind\n")
		for _, kind := range sortedKeys(report.ByKind) {
			fmt.Fprintf(&out, "  %-16s %d\n", kind, report.ByKind[kind])
		}
	}
	if report.Name == "" && len(report.ByName) > 0 {
		fmt.Fprintf(&out, "\nBy name\n")
		for _, n := range sortedKeys(report.ByName) {
			fmt.Fprintf(&out, "  %-24s %d\n", n, report.ByName[n])
		}
	}

	if len(report.Records) > 0 {
		fmt.Fprintf(&out, "\n")
	}
	for _, rec := range report.Records {
		status := "ok"
		if !rec.Success {
			status = "FAIL"
		}
		fmt.Fprintf(&out, "#%d %s %s [%s] %s %v\n",
			rec.Seq, rec.Timestamp.UTC().Format(time.RFC3339), rec.Name, rec.Source, status, rec.Duration)
		if rec.WorkerID != "" {
			fmt.Fprintf(&out, "    worker : %s\n", rec.WorkerID)
		}
		if !rec.Success {
			fmt.Fprintf(&out, "    error  : %s (%s)\n", rec.Error, rec.ErrorKind)
		}
		if len(rec.Args) > 0 {
			fmt.Fprintf(&out, "    args   : %s\n", compactJSON(rec.Args))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, archive Archive, name string, limit int) (string, error) {
	report, err := Gather(ctx, archive, name, limit)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
