package webhooks

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientUpdateType = "it.fattureincloud.webhooks.entities.clients.update"

type ingressFixture struct {
	store      *memStore
	ledger     *memLedger
	dispatcher *recordingDispatcher
	router     *gin.Engine
}

func newIngressFixture(subs ...models.WebhookSubscription) *ingressFixture {
	gin.SetMode(gin.TestMode)
	f := &ingressFixture{
		store:      newMemStore(subs...),
		ledger:     newMemLedger(),
		dispatcher: &recordingDispatcher{},
	}
	in := &Ingress{
		Store:      f.store,
		Ledger:     f.ledger,
		Dispatcher: f.dispatcher,
		System:     "fic",
		Logger:     quietLogger(),
	}
	f.router = gin.New()
	f.router.GET("/webhooks/:system/:accountId/:group", in.VerificationHandler())
	f.router.POST("/webhooks/:system/:accountId/:group", in.NotificationHandler())
	return f
}

func activeSub(accountId uint, remoteId, group, secret string) models.WebhookSubscription {
	return models.WebhookSubscription{
		AccountId:  accountId,
		RemoteId:   remoteId,
		EventGroup: group,
		Sink:       BuildSinkURL("https://hooks.example.com", "fic", accountId, group),
		Active:     true,
		Verified:   true,
		Status:     models.SubscriptionStatusActive,
		Secret:     strPtr(secret),
	}
}

func (f *ingressFixture) post(path, eventId string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("ce-type", clientUpdateType)
	if eventId != "" {
		req.Header.Set("ce-id", eventId)
	}
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestVerificationEchoesHeaderChallenge(t *testing.T) {
	f := newIngressFixture()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/fic/1/entity", nil)
	req.Header.Set(VerificationChallengeKey, "abc123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", decodeBody(t, w)["verification"])
}

func TestVerificationEchoesQueryChallenge(t *testing.T) {
	f := newIngressFixture()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/fic/1/entity?x-fic-verification-challenge=q-1", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "q-1", decodeBody(t, w)["verification"])
}

func TestVerificationWithoutChallengeIsBadRequest(t *testing.T) {
	f := newIngressFixture()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/fic/1/entity", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotificationQueuedOncePerDelivery(t *testing.T) {
	f := newIngressFixture(activeSub(1, "S1", "entity", "k1"))
	body := []byte(`{"data":{"ids":[10,11]}}`)
	sig := ComputeSignature("k1", body)

	w := f.post("/webhooks/fic/1/entity", "evt-1", body, sig)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeBody(t, w)
	assert.EqualValues(t, 2, resp["queued"])
	assert.EqualValues(t, 0, resp["skipped"])

	w = f.post("/webhooks/fic/1/entity", "evt-1", body, sig)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp = decodeBody(t, w)
	assert.EqualValues(t, 0, resp["queued"])
	assert.EqualValues(t, 2, resp["skipped"])

	require.Len(t, f.dispatcher.tasks, 2)
	assert.Equal(t, 2, f.ledger.count())
	task := f.dispatcher.tasks[0]
	assert.Equal(t, uint(1), task.AccountId)
	assert.Equal(t, models.ResourceCategoryClient, task.Category)
	assert.Equal(t, models.ResourceActionUpdated, task.Action)
	assert.Equal(t, "10", task.RemoteId)
	assert.NotZero(t, task.LedgerEntryId)
}

func TestNotificationWithBadSignatureLeavesNoTrace(t *testing.T) {
	f := newIngressFixture(activeSub(1, "S1", "entity", "k1"))
	body := []byte(`{"data":{"ids":[10]}}`)

	w := f.post("/webhooks/fic/1/entity", "evt-1", body, ComputeSignature("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decodeBody(t, w)["code"])
	assert.Zero(t, f.ledger.count())
	assert.Empty(t, f.dispatcher.tasks)

	w = f.post("/webhooks/fic/1/entity", "evt-1", body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNotificationWithoutSubscriptionIsNotFound(t *testing.T) {
	f := newIngressFixture(activeSub(2, "S2", "entity", "k2"))
	body := []byte(`{"data":{"ids":[10]}}`)
	w := f.post("/webhooks/fic/1/entity", "evt-1", body, ComputeSignature("k2", body))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "subscription_not_found", decodeBody(t, w)["code"])
}

func TestNotificationOnUnknownSystemIsNotFound(t *testing.T) {
	f := newIngressFixture(activeSub(1, "S1", "entity", "k1"))
	body := []byte(`{"data":{"ids":[10]}}`)
	w := f.post("/webhooks/other/1/entity", "evt-1", body, ComputeSignature("k1", body))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationWithoutSecretIsMisconfigured(t *testing.T) {
	sub := activeSub(1, "S1", "entity", "")
	sub.Secret = nil
	f := newIngressFixture(sub)
	w := f.post("/webhooks/fic/1/entity", "evt-1", []byte(`{"data":{"ids":[1]}}`), "deadbeef")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "subscription_misconfigured", resp["code"])
	assert.NotContains(t, resp["message"], "secret")
}

func TestNotificationSharedGroupAcceptsEitherSecret(t *testing.T) {
	f := newIngressFixture(activeSub(1, "S1", "entity", "k1"), activeSub(1, "S2", "entity", "k2"))
	body := []byte(`{"data":{"ids":[3]}}`)
	w := f.post("/webhooks/fic/1/entity", "evt-9", body, ComputeSignature("k2", body))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.ledger.entries, 1)
	for _, e := range f.ledger.entries {
		require.NotNil(t, e.SubscriptionId)
		assert.Equal(t, uint(2), *e.SubscriptionId)
	}
}

func TestNotificationDispatchFailureAsksForRetry(t *testing.T) {
	f := newIngressFixture(activeSub(1, "S1", "entity", "k1"))
	f.dispatcher.err = errors.New("pubsub down")
	body := []byte(`{"data":{"ids":[10]}}`)
	sig := ComputeSignature("k1", body)

	w := f.post("/webhooks/fic/1/entity", "evt-1", body, sig)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	for _, e := range f.ledger.entries {
		assert.Equal(t, models.LedgerStatusFailed, e.Status)
	}

	// The redelivery is processed again once dispatch recovers.
	f.dispatcher.err = nil
	w = f.post("/webhooks/fic/1/entity", "evt-1", body, sig)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["queued"])
	assert.Len(t, f.dispatcher.tasks, 1)
}

func TestNotificationLedgerFailureStillQueues(t *testing.T) {
	f := newIngressFixture(activeSub(1, "S1", "entity", "k1"))
	f.ledger.recordErr = errors.New("db down")
	body := []byte(`{"data":{"ids":[10]}}`)

	w := f.post("/webhooks/fic/1/entity", "evt-1", body, ComputeSignature("k1", body))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.dispatcher.tasks, 1)
	assert.Zero(t, f.dispatcher.tasks[0].LedgerEntryId)
}

func TestNotificationMalformedBody(t *testing.T) {
	f := newIngressFixture(activeSub(1, "S1", "entity", "k1"))
	body := []byte(`{"data":`)
	w := f.post("/webhooks/fic/1/entity", "evt-1", body, ComputeSignature("k1", body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotificationForCorrectedGroupKeepsStaleRoute(t *testing.T) {
	sub := activeSub(1, "S1", "entity", "k1")
	sub.Sink = BuildSinkURL("https://hooks.example.com", "fic", 1, "issued_documents")
	f := newIngressFixture(sub)
	body := []byte(`{"data":{"ids":[10]}}`)
	w := f.post("/webhooks/fic/1/issued_documents", "evt-1", body, ComputeSignature("k1", body))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
