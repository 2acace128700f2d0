package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diaglab/lims/internal/domain/maintenance"
	"github.com/diaglab/lims/internal/platform/db"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"
)

func checkFormat(format string) error {
	switch format {
	case formatYAML, formatJSON:
		return nil
	}
	return fmt.Errorf("--output must be %s or %s, got %q", formatYAML, formatJSON, format)
}

func writeOutput(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return checkFormat(format)
}

// parseWindow accepts RFC 3339 instants or bare dates. A bare date means
// local midnight in loc, so "2025-01-01".."2025-02-01" is all of January at
// the lab.
func parseWindow(from, to string, loc *time.Location) (maintenance.Window, error) {
	f, err := parseWhen(from, loc)
	if err != nil {
		return maintenance.Window{}, fmt.Errorf("--from: %w", err)
	}
	t, err := parseWhen(to, loc)
	if err != nil {
		return maintenance.Window{}, fmt.Errorf("--to: %w", err)
	}
	if !f.Before(t) {
		return maintenance.Window{}, fmt.Errorf("--from must be before --to")
	}
	return maintenance.Window{From: f, To: t}, nil
}

func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func printMigrations(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.Drifted {
				status = "drifted"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}
