package webhooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/shopspring/decimal"
)

// resourceKind is one row of the category table: how a category appears in
// event types and how its snapshot is fetched from the remote.
type resourceKind struct {
	category   models.ResourceCategory
	plural     string
	eventToken string
	fetch      func(ctx context.Context, remote Remote, id string, phoneRegion string) (*models.SyncedResource, error)
}

var resourceKinds = []resourceKind{
	{
		category:   models.ResourceCategoryClient,
		plural:     "clients",
		eventToken: "entities.clients",
		fetch: func(ctx context.Context, remote Remote, id string, region string) (*models.SyncedResource, error) {
			e, err := remote.GetClient(ctx, id)
			if err != nil {
				return nil, err
			}
			return entitySnapshot(e, region), nil
		},
	},
	{
		category:   models.ResourceCategorySupplier,
		plural:     "suppliers",
		eventToken: "entities.suppliers",
		fetch: func(ctx context.Context, remote Remote, id string, region string) (*models.SyncedResource, error) {
			e, err := remote.GetSupplier(ctx, id)
			if err != nil {
				return nil, err
			}
			return entitySnapshot(e, region), nil
		},
	},
	{
		category:   models.ResourceCategoryInvoice,
		plural:     "invoices",
		eventToken: "issued_documents.invoices",
		fetch:      fetchIssuedDocument,
	},
	{
		category:   models.ResourceCategoryQuote,
		plural:     "quotes",
		eventToken: "issued_documents.quotes",
		fetch:      fetchIssuedDocument,
	},
}

func lookupResourceKind(category models.ResourceCategory) (resourceKind, bool) {
	for _, k := range resourceKinds {
		if k.category == category {
			return k, true
		}
	}
	return resourceKind{}, false
}

var eventActions = map[string]models.ResourceAction{
	"create": models.ResourceActionCreated,
	"update": models.ResourceActionUpdated,
	"delete": models.ResourceActionDeleted,
}

// ParseEventType maps e.g. "it.fattureincloud.webhooks.entities.clients.update"
// to (client, updated). ok is false for event types this service does not sync.
func ParseEventType(eventType string) (models.ResourceCategory, models.ResourceAction, bool) {
	eventType = strings.TrimSpace(eventType)
	idx := strings.LastIndex(eventType, ".")
	if idx <= 0 {
		return "", "", false
	}
	action, ok := eventActions[eventType[idx+1:]]
	if !ok {
		return "", "", false
	}
	head := "." + eventType[:idx]
	for _, k := range resourceKinds {
		if strings.HasSuffix(head, "."+k.eventToken) {
			return k.category, action, true
		}
	}
	return "", "", false
}

func entitySnapshot(e *ficapi.Entity, region string) *models.SyncedResource {
	snap := &models.SyncedResource{
		RemoteId:    fmt.Sprint(e.Id),
		Name:        strings.TrimSpace(e.Name),
		Email:       strings.TrimSpace(e.Email),
		VatNumber:   strings.TrimSpace(e.VatNumber),
		PayloadJSON: e.Raw,
	}
	if phone, ok := utils.NormalizePhone(e.Phone, region); ok {
		snap.Phone = phone
	} else {
		snap.Phone = strings.TrimSpace(e.Phone)
	}
	return snap
}

func fetchIssuedDocument(ctx context.Context, remote Remote, id string, _ string) (*models.SyncedResource, error) {
	doc, err := remote.GetIssuedDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &models.SyncedResource{
		RemoteId:    fmt.Sprint(doc.Id),
		Number:      strings.TrimSpace(doc.Number.String() + doc.Numeration),
		PayloadJSON: doc.Raw,
	}
	if doc.Entity != nil {
		snap.Name = doc.Entity.Name
	}
	if doc.Currency != nil {
		snap.Currency = doc.Currency.Code
	}
	if amt, err := decimal.NewFromString(doc.AmountGross.String()); err == nil {
		snap.AmountGross = &amt
	}
	if t, ok := utils.ParseTime(doc.Date); ok {
		snap.Date = &t
	}
	return snap, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
