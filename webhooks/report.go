package webhooks

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet      = "Summary"
	itemsSheet        = "Subscriptions"
	discrepancySheet  = "Discrepancies"
	reportTimeLayout  = "2006-01-02 15:04:05"
	diagnoseFileStamp = "20060102-150405"
)

func DiagnoseFileName(accountId uint, at time.Time) string {
	return fmt.Sprintf("fic-diagnose-%d-%s.xlsx", accountId, at.UTC().Format(diagnoseFileStamp))
}

func setRow(f *excelize.File, sheet string, rowNo int, values ...interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// DiagnoseWorkbook renders a reconciliation report as a three sheet workbook.
// The caller closes the returned file.
func DiagnoseWorkbook(report *ReconciliationReport) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(discrepancySheet); err != nil {
		return nil, err
	}

	summary := [][]interface{}{
		{"Account", report.AccountId},
		{"Dry run", report.DryRun},
		{"Started at", report.StartedAt.UTC().Format(reportTimeLayout)},
		{"Finished at", report.FinishedAt.UTC().Format(reportTimeLayout)},
		{"Matched", report.Matched},
		{"Group corrected", report.GroupCorrected},
		{"Misrouted recreated", report.MisroutedRecreated},
		{"Misrouted (not repaired)", report.Misrouted},
		{"Newly discovered", report.NewlyDiscovered},
		{"Orphaned", report.Orphaned},
		{"Errored", report.Errored},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row...); err != nil {
			return nil, err
		}
	}
	for i, e := range report.Errors {
		if err := setRow(f, summarySheet, len(summary)+2+i, "Error", e); err != nil {
			return nil, err
		}
	}

	if err := setRow(f, itemsSheet, 1, "RemoteId", "Outcome", "Group", "Status", "Verified", "ExpiresAt", "Types", "Sink", "PlannedSink", "NewRemoteId", "Error"); err != nil {
		return nil, err
	}
	for i, it := range report.Items {
		expires := ""
		if it.ExpiresAt != nil {
			expires = it.ExpiresAt.UTC().Format(reportTimeLayout)
		}
		if err := setRow(f, itemsSheet, i+2,
			it.RemoteId, string(it.Outcome), it.EventGroup, string(it.Status), it.Verified,
			expires, strings.Join(it.Types, ", "), it.Sink, it.PlannedSink, it.NewRemoteId, it.Error); err != nil {
			return nil, err
		}
	}

	if err := setRow(f, discrepancySheet, 1, "RemoteId", "URLGroup", "TypesGroup", "StoredGroup", "Effective", "Source", "URLAccountId"); err != nil {
		return nil, err
	}
	for i, d := range report.Discrepancies {
		urlAccount := ""
		if d.URLAccountId != 0 {
			urlAccount = fmt.Sprint(d.URLAccountId)
		}
		if err := setRow(f, discrepancySheet, i+2,
			d.RemoteId, d.URLGroup, d.TypesGroup, d.StoredGroup, d.Effective, string(d.Source), urlAccount); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// WriteDiagnose renders report and writes the workbook to w.
func WriteDiagnose(w io.Writer, report *ReconciliationReport) error {
	f, err := DiagnoseWorkbook(report)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
