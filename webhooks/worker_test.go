package webhooks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	remote    *fakeRemote
	ledger    *memLedger
	resources *memResources
	worker    *Worker
}

func newWorkerFixture() *workerFixture {
	f := &workerFixture{
		remote:    newFakeRemote(),
		ledger:    newMemLedger(),
		resources: newMemResources(),
	}
	f.worker = &Worker{
		Accounts:    newMemAccounts(1),
		Ledger:      f.ledger,
		Resources:   f.resources,
		Remote:      &fakeRemoteFactory{remotes: map[uint]*fakeRemote{1: f.remote}},
		Logger:      quietLogger(),
		PhoneRegion: "IT",
		Now:         func() time.Time { return testNow },
	}
	return f
}

func (f *workerFixture) pending(t *testing.T, category models.ResourceCategory, id string) uint {
	t.Helper()
	entry := &models.EventLedgerEntry{AccountId: 1, EventType: clientUpdateType, ResourceCategory: category, ResourceId: id, EventId: "evt-" + id}
	_, err := f.ledger.Record(context.Background(), entry)
	require.NoError(t, err)
	return entry.ID
}

func TestWorkerSyncsClientSnapshot(t *testing.T) {
	f := newWorkerFixture()
	f.remote.clients["10"] = &ficapi.Entity{Id: 10, Name: " Rossi Srl ", Phone: "02 1234 5678", VatNumber: "IT01234567890", Raw: json.RawMessage(`{"id":10}`)}
	ledgerId := f.pending(t, models.ResourceCategoryClient, "10")

	err := f.worker.Process(context.Background(), SyncTask{
		AccountId: 1, Category: models.ResourceCategoryClient, RemoteId: "10",
		Action: models.ResourceActionUpdated, LedgerEntryId: ledgerId,
	})
	require.NoError(t, err)

	snap := f.resources.get(1, models.ResourceCategoryClient, "10")
	require.NotNil(t, snap)
	assert.Equal(t, "Rossi Srl", snap.Name)
	assert.Equal(t, "+390212345678", snap.Phone)
	assert.False(t, snap.Deleted)
	assert.Equal(t, testNow, snap.SyncedAt)

	entry, _ := f.ledger.Get(context.Background(), ledgerId)
	assert.Equal(t, models.LedgerStatusProcessed, entry.Status)
}

func TestWorkerSyncsInvoiceAmount(t *testing.T) {
	f := newWorkerFixture()
	f.remote.documents["77"] = &ficapi.IssuedDocument{Id: 77, Type: "invoice", Number: json.Number("12"), Numeration: "/A", Date: "2026-02-28", AmountGross: json.Number("122.50")}

	err := f.worker.Process(context.Background(), SyncTask{AccountId: 1, Category: models.ResourceCategoryInvoice, RemoteId: "77", Action: models.ResourceActionCreated})
	require.NoError(t, err)

	snap := f.resources.get(1, models.ResourceCategoryInvoice, "77")
	require.NotNil(t, snap)
	assert.Equal(t, "12/A", snap.Number)
	require.NotNil(t, snap.AmountGross)
	assert.Equal(t, "122.5", snap.AmountGross.String())
	require.NotNil(t, snap.Date)
	assert.Equal(t, 28, snap.Date.Day())
}

func TestWorkerSkipsProcessedEntry(t *testing.T) {
	f := newWorkerFixture()
	ledgerId := f.pending(t, models.ResourceCategoryClient, "10")
	_, _ = f.ledger.MarkProcessed(context.Background(), ledgerId)
	f.remote.fetchErr = &ficapi.APIError{Kind: ficapi.ErrTransient, Op: "get_client", Status: 500}

	err := f.worker.Process(context.Background(), SyncTask{AccountId: 1, Category: models.ResourceCategoryClient, RemoteId: "10", Action: models.ResourceActionUpdated, LedgerEntryId: ledgerId})
	assert.NoError(t, err)
	assert.Nil(t, f.resources.get(1, models.ResourceCategoryClient, "10"))
}

func TestWorkerDeleteAndGoneMarkDeleted(t *testing.T) {
	f := newWorkerFixture()
	err := f.worker.Process(context.Background(), SyncTask{AccountId: 1, Category: models.ResourceCategorySupplier, RemoteId: "5", Action: models.ResourceActionDeleted})
	require.NoError(t, err)
	assert.True(t, f.resources.get(1, models.ResourceCategorySupplier, "5").Deleted)

	// Update for a resource the remote no longer has.
	err = f.worker.Process(context.Background(), SyncTask{AccountId: 1, Category: models.ResourceCategoryClient, RemoteId: "404", Action: models.ResourceActionUpdated})
	require.NoError(t, err)
	assert.True(t, f.resources.get(1, models.ResourceCategoryClient, "404").Deleted)
}

func TestWorkerFailureMarksLedgerFailed(t *testing.T) {
	f := newWorkerFixture()
	f.remote.fetchErr = &ficapi.APIError{Kind: ficapi.ErrTransient, Op: "get_client", Status: 502}
	ledgerId := f.pending(t, models.ResourceCategoryClient, "10")

	err := f.worker.Process(context.Background(), SyncTask{AccountId: 1, Category: models.ResourceCategoryClient, RemoteId: "10", Action: models.ResourceActionUpdated, LedgerEntryId: ledgerId})
	require.Error(t, err)
	assert.True(t, isRetryable(err))

	entry, _ := f.ledger.Get(context.Background(), ledgerId)
	assert.Equal(t, models.LedgerStatusFailed, entry.Status)
	require.NotNil(t, entry.LastError)
	assert.Equal(t, 1, entry.Attempts)
}
