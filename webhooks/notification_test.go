package webhooks

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotificationBinaryMode(t *testing.T) {
	h := http.Header{}
	h.Set("ce-type", "it.fattureincloud.webhooks.entities.clients.update")
	h.Set("ce-id", "evt-1")
	h.Set("ce-time", "2026-03-01T10:00:00Z")

	n, err := ParseNotification(h, []byte(`{"data":{"ids":[12, "13", 12]}}`))
	require.NoError(t, err)
	assert.Equal(t, "it.fattureincloud.webhooks.entities.clients.update", n.Type)
	assert.Equal(t, "evt-1", n.EventId)
	require.NotNil(t, n.OccurredAt)
	assert.True(t, n.OccurredAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"12", "13"}, n.Ids)
}

func TestParseNotificationStructuredMode(t *testing.T) {
	body := []byte(`{"type":"it.fattureincloud.webhooks.issued_documents.invoices.create","id":"evt-2","data":{"ids":[5]}}`)
	n, err := ParseNotification(http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, "evt-2", n.EventId)
	assert.Nil(t, n.OccurredAt)
	assert.Equal(t, []string{"5"}, n.Ids)
}

func TestParseNotificationDigestEventId(t *testing.T) {
	body := []byte(`{"type":"x.webhooks.entities.clients.create","data":{"ids":[1]}}`)
	a, err := ParseNotification(http.Header{}, body)
	require.NoError(t, err)
	b, err := ParseNotification(http.Header{}, body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.EventId, "sha256:"))
	assert.Equal(t, a.EventId, b.EventId)
}

func TestParseNotificationMalformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"data":{"ids":[1]}}`,
		`{"type":"t","data":{"ids":[1.5]}}`,
		`{"type":"t","data":{"ids":[{}]}}`,
	} {
		_, err := ParseNotification(http.Header{}, []byte(body))
		assert.Error(t, err, body)
	}
}

func TestParseEventType(t *testing.T) {
	category, action, ok := ParseEventType("it.fattureincloud.webhooks.entities.clients.create")
	assert.True(t, ok)
	assert.EqualValues(t, "client", category)
	assert.EqualValues(t, "created", action)

	category, action, ok = ParseEventType("it.fattureincloud.webhooks.issued_documents.quotes.delete")
	assert.True(t, ok)
	assert.EqualValues(t, "quote", category)
	assert.EqualValues(t, "deleted", action)

	_, _, ok = ParseEventType("it.fattureincloud.webhooks.products.create")
	assert.False(t, ok)
	_, _, ok = ParseEventType("it.fattureincloud.webhooks.entities.clients.archive")
	assert.False(t, ok)
}
