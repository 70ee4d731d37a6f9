/*
Package feed ingests upstream affiliate purchase events in batches.

PURPOSE:
  Partners deliver purchase reports as files. A Source reads them and the
  Scheduler hands each batch to points.Affiliates.IngestBatch on a cron
  schedule. Re-reading a file that was already ingested is harmless: every
  row with a known external id comes back as a duplicate.

FILE FORMAT:
  Either a JSON array or newline-delimited JSON objects:
    {"external_id":"ext-1","company":"acme","user_email":"a@x.com",
     "points":50,"purchase_at":"2026-03-01T10:00:00Z","notes":"..."}

SEE ALSO:
  - points/affiliate.go: Ingest and IngestBatch
  - scheduler.go: Cron lifecycle
*/
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/warp/points-engine/points"
)

// Source yields one batch of purchase events.
type Source interface {
	Fetch(ctx context.Context) ([]points.IngestInput, error)
}

// FileSource reads a local JSON or NDJSON file. A missing file is an empty
// batch, since partners drop files on their own schedule.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(ctx context.Context) ([]points.IngestInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", f.Path, err)
	}
	rows, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.Path, err)
	}
	return rows, nil
}

// Parse decodes a JSON array or NDJSON payload.
func Parse(raw []byte) ([]points.IngestInput, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var rows []points.IngestInput
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}

	var rows []points.IngestInput
	dec := json.NewDecoder(bufio.NewReader(bytes.NewReader(trimmed)))
	for line := 1; ; line++ {
		var row points.IngestInput
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}
