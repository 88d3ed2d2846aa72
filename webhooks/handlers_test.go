package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var adminSecret = []byte("admin-test-secret")

func newAdminRouter(f *serviceFixture, ledger Ledger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := &AdminAPI{Service: f.svc, Ledger: ledger, Logger: quietLogger()}
	group := r.Group("/api/integrations/fic", AdminAuthMiddleware(adminSecret))
	api.Register(group)
	return r
}

func adminRequest(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := utils.JwtGenerate(adminSecret, "ops@example.com", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminAPIRequiresToken(t *testing.T) {
	r := newAdminRouter(newServiceFixture(), newMemLedger())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/integrations/fic/accounts/1/subscriptions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := utils.JwtGenerate([]byte("other"), "x", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/integrations/fic/accounts/1/subscriptions", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAPICreateAndList(t *testing.T) {
	f := newServiceFixture()
	r := newAdminRouter(f, newMemLedger())

	w := adminRequest(t, r, http.MethodPost, "/api/integrations/fic/accounts/1/subscriptions",
		`{"types":["`+clientCreate+`"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = adminRequest(t, r, http.MethodGet, "/api/integrations/fic/accounts/1/subscriptions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []models.WebhookSubscription `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "entity", resp.Items[0].EventGroup)
	assert.NotContains(t, w.Body.String(), "secret-", "secrets never leave the service")
}

func TestAdminAPIErrorMapping(t *testing.T) {
	f := newServiceFixture(unverifiedSub())
	r := newAdminRouter(f, newMemLedger())

	w := adminRequest(t, r, http.MethodPost, "/api/integrations/fic/accounts/1/subscriptions", `{"types":["nonsense"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = adminRequest(t, r, http.MethodDelete, "/api/integrations/fic/accounts/1/subscriptions/NOPE", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = adminRequest(t, r, http.MethodGet, "/api/integrations/fic/accounts/9/subscriptions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = adminRequest(t, r, http.MethodPost, "/api/integrations/fic/accounts/1/subscriptions/S1/verify", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = adminRequest(t, r, http.MethodPost, "/api/integrations/fic/accounts/1/subscriptions/S1/verify", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAdminAPIEventsFilter(t *testing.T) {
	ledger := newMemLedger()
	for _, id := range []string{"1", "2"} {
		e := &models.EventLedgerEntry{AccountId: 1, EventType: clientUpdateType, ResourceCategory: models.ResourceCategoryClient, ResourceId: id, EventId: "e"}
		_, err := ledger.Record(context.Background(), e)
		require.NoError(t, err)
		if id == "2" {
			require.NoError(t, ledger.MarkFailed(context.Background(), e.ID, "boom"))
		}
	}
	r := newAdminRouter(newServiceFixture(), ledger)

	w := adminRequest(t, r, http.MethodGet, "/api/integrations/fic/accounts/1/events?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []models.EventLedgerEntry `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "2", resp.Items[0].ResourceId)

	w = adminRequest(t, r, http.MethodGet, "/api/integrations/fic/accounts/1/events?status=weird", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAPIDiagnoseXLSX(t *testing.T) {
	f := newServiceFixture()
	f.remote.subs = append(f.remote.subs, remoteSub("S1", 1, "entity", clientCreate))
	r := newAdminRouter(f, newMemLedger())

	w := adminRequest(t, r, http.MethodGet, "/api/integrations/fic/accounts/1/diagnose?format=xlsx", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "fic-diagnose-1-")
	assert.True(t, strings.HasPrefix(w.Body.String(), "PK"), "xlsx is a zip archive")
}
