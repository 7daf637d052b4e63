// Package export writes the decision ledger to spreadsheet files for
// auditors who work outside the CLI.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/roach88/decisioning/internal/decision"
	"github.com/roach88/decisioning/internal/ir"
)

// SheetName is the worksheet holding one row per decision.
const SheetName = "Decisions"

// Columns is the header row, in order.
var Columns = []string{
	"ID",
	"Action",
	"Actor",
	"On Behalf Of",
	"Target",
	"Status",
	"Effective At",
	"Recorded At",
	"Finalized At",
	"Snapshot Hash",
	"Snapshot",
	"Authority Context",
	"Outcome",
}

// WriteXLSX writes decisions to w as an XLSX workbook. Objects are written
// as canonical JSON and timestamps as RFC 3339 UTC strings.
func WriteXLSX(w io.Writer, decisions []decision.Decision) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := f.SetRowStyle(SheetName, 1, 1, bold); err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	for i, d := range decisions {
		row, err := decisionRow(d)
		if err != nil {
			return fmt.Errorf("decision %s: %w", d.ID, err)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write decision %s: %w", d.ID, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func decisionRow(d decision.Decision) ([]any, error) {
	snapshot, err := ir.CanonicalObject(d.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	authority, err := ir.CanonicalObject(d.AuthorityContext)
	if err != nil {
		return nil, fmt.Errorf("authority context: %w", err)
	}
	var finalized, outcome string
	if d.FinalizedAt != nil {
		finalized = formatTime(*d.FinalizedAt)
		data, err := ir.CanonicalObject(d.Outcome)
		if err != nil {
			return nil, fmt.Errorf("outcome: %w", err)
		}
		outcome = string(data)
	}

	return []any{
		d.ID,
		d.Action,
		d.Actor,
		d.OnBehalfOf,
		d.Target.String(),
		string(d.Status()),
		formatTime(d.EffectiveAt),
		formatTime(d.RecordedAt),
		finalized,
		d.SnapshotHash,
		string(snapshot),
		string(authority),
		outcome,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
