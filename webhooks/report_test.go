package webhooks

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDiagnoseWorkbook(t *testing.T) {
	report := &ReconciliationReport{
		AccountId:      4,
		DryRun:         true,
		Matched:        1,
		GroupCorrected: 1,
		StartedAt:      testNow,
		FinishedAt:     testNow,
		Items: []ReconcileItem{
			{RemoteId: "S1", Outcome: OutcomeMatched, EventGroup: "entity", Types: []string{clientCreate}},
			{RemoteId: "S2", Outcome: OutcomeGroupCorrected, EventGroup: "entity", Types: []string{clientUpdate}, ExpiresAt: timePtr(testNow)},
			{RemoteId: "S4", Outcome: OutcomeMisrouted, EventGroup: "entity", Sink: "https://hooks.example.com/webhooks/fic/9/entity", PlannedSink: "https://hooks.example.com/webhooks/fic/4/entity"},
		},
		Discrepancies: []Discrepancy{{RemoteId: "S2", URLGroup: "issued_documents", TypesGroup: "entity", Effective: "entity", Source: GroupSourceTypes}},
		Errors:        []string{"S3: boom"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteDiagnose(&buf, report))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{summarySheet, itemsSheet, discrepancySheet}, f.GetSheetList())

	v, err := f.GetCellValue(summarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, "4", v)

	rows, err := f.GetRows(itemsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "S2", rows[2][0])
	assert.Equal(t, "group_corrected", rows[2][1])
	assert.Equal(t, "2026-03-01 12:00:00", rows[2][5])
	assert.Equal(t, "misrouted", rows[3][1])
	assert.Equal(t, "https://hooks.example.com/webhooks/fic/9/entity", rows[3][7])
	assert.Equal(t, "https://hooks.example.com/webhooks/fic/4/entity", rows[3][8])

	v, err = f.GetCellValue(discrepancySheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "issued_documents", v)

	assert.Equal(t, "fic-diagnose-4-20260301-120000.xlsx", DiagnoseFileName(4, testNow))
}
