package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

type jsonMetadata struct {
	RunID            string    `json:"run_id"`
	Timestamp        time.Time `json:"timestamp"`
	TotalRecords     int       `json:"total_records"`
	SuccessfulPages  int64     `json:"successful_scrapes"`
	FailedPages      int64     `json:"failed_scrapes"`
	SkippedByCircuit int64     `json:"skipped_by_circuit"`
}

type jsonDocument struct {
	Metadata jsonMetadata     `json:"metadata"`
	Data     []crawler.Record `json:"data"`
}

func encodeJSON(runID string, at time.Time, records []crawler.Record, stats crawler.StatsSnapshot) ([]byte, error) {
	if records == nil {
		records = []crawler.Record{}
	}
	doc := jsonDocument{
		Metadata: jsonMetadata{
			RunID:            runID,
			Timestamp:        at,
			TotalRecords:     len(records),
			SuccessfulPages:  stats.Succeeded,
			FailedPages:      stats.Failed,
			SkippedByCircuit: stats.SkippedByCircuit,
		},
		Data: records,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	return data, nil
}

// flattenRecord maps a record onto CSV columns. Metadata keys become
// metadata_<key> columns; sections are JSON encoded, or empty when absent.
func flattenRecord(r crawler.Record) (map[string]string, error) {
	row := map[string]string{
		"id":         r.ID,
		"title":      r.Title,
		"url":        r.URL,
		"text":       r.Text,
		"sections":   "",
		"scraped_at": r.ScrapedAt.UTC().Format(time.RFC3339),
	}
	if len(r.Sections) > 0 {
		encoded, err := json.Marshal(r.Sections)
		if err != nil {
			return nil, fmt.Errorf("marshal sections for %s: %w", r.URL, err)
		}
		row["sections"] = string(encoded)
	}
	for k, v := range r.Metadata {
		row["metadata_"+k] = v
	}
	return row, nil
}

func encodeCSV(records []crawler.Record) ([]byte, error) {
	rows := make([]map[string]string, 0, len(records))
	columns := make(map[string]struct{})
	for _, r := range records {
		row, err := flattenRecord(r)
		if err != nil {
			return nil, err
		}
		for k := range row {
			columns[k] = struct{}{}
		}
		rows = append(rows, row)
	}
	header := make([]string, 0, len(columns))
	for k := range columns {
		header = append(header, k)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if len(header) > 0 {
		if err := w.Write(header); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	line := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			line[i] = row[col]
		}
		if err := w.Write(line); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ReportSettings echoes the run configuration in the text report.
type ReportSettings struct {
	Concurrency int
	MaxRetries  int
	MaxDepth    int
	SaveHTML    bool
}

func encodeReport(cfg Config, at time.Time, stats crawler.StatsSnapshot, failures []crawler.FailedURL) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Crawl Report\n============\n")
	fmt.Fprintf(&b, "Run ID: %s\n", cfg.RunID)
	fmt.Fprintf(&b, "Timestamp: %s\n", at.UTC().Format(time.RFC3339))

	summary := crawler.Summary{Stats: stats}
	b.WriteString("\nSummary:\n--------\n")
	fmt.Fprintf(&b, "URLs discovered: %d\n", stats.Discovered)
	fmt.Fprintf(&b, "URLs dispatched: %d\n", stats.Dispatched)
	fmt.Fprintf(&b, "Pages fetched: %d\n", stats.Fetched)
	fmt.Fprintf(&b, "Successful pages: %d\n", stats.Succeeded)
	fmt.Fprintf(&b, "Failed pages: %d\n", stats.Failed)
	fmt.Fprintf(&b, "Skipped by circuit breaker: %d\n", stats.SkippedByCircuit)
	fmt.Fprintf(&b, "Records: %d\n", stats.Records)
	fmt.Fprintf(&b, "Links followed: %d\n", stats.LinksFollowed)
	fmt.Fprintf(&b, "Success rate: %.1f%%\n", summary.SuccessRate())

	b.WriteString("\nFailures by kind:\n-----------------\n")
	for _, kind := range crawler.AllErrorKinds {
		if n := stats.ByKind[kind]; n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", kind, n)
		}
	}

	b.WriteString("\nConfiguration:\n--------------\n")
	fmt.Fprintf(&b, "Concurrency level: %d\n", cfg.Report.Concurrency)
	fmt.Fprintf(&b, "Max retries: %d\n", cfg.Report.MaxRetries)
	fmt.Fprintf(&b, "Max depth: %d\n", cfg.Report.MaxDepth)
	fmt.Fprintf(&b, "Output format: %s\n", cfg.Format)
	fmt.Fprintf(&b, "Save HTML: %t\n", cfg.Report.SaveHTML)

	b.WriteString("\nFailed URLs:\n------------\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "- %s [%s]: %s\n", f.URL, f.Kind, f.Error)
	}
	return []byte(b.String())
}
