package webhooks

import (
	"context"

	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
)

// Remote is the per-account view of the remote API used by this package.
// *ficapi.Client implements it.
type Remote interface {
	CreateSubscription(ctx context.Context, req ficapi.CreateSubscriptionRequest) (*ficapi.CreatedSubscription, error)
	CreateSubscriptionRaw(ctx context.Context, req ficapi.CreateSubscriptionRequest) (*ficapi.CreatedSubscription, error)
	ListSubscriptions(ctx context.Context) ([]ficapi.Subscription, error)
	DeleteSubscription(ctx context.Context, remoteId string) error
	VerifySubscription(ctx context.Context, remoteId string) error

	GetClient(ctx context.Context, id string) (*ficapi.Entity, error)
	GetSupplier(ctx context.Context, id string) (*ficapi.Entity, error)
	GetIssuedDocument(ctx context.Context, id string) (*ficapi.IssuedDocument, error)
}

// RemoteFactory builds a Remote from an account's current credentials.
type RemoteFactory interface {
	ForAccount(account *models.TenantAccount) (Remote, error)
}

type ficRemoteFactory struct {
	factory *ficapi.Factory
}

func NewRemoteFactory(f *ficapi.Factory) RemoteFactory {
	return &ficRemoteFactory{factory: f}
}

func (f *ficRemoteFactory) ForAccount(account *models.TenantAccount) (Remote, error) {
	if account == nil {
		return nil, ErrAccountNotFound
	}
	if !account.IsActive() {
		return nil, ErrAccountDisconnected
	}
	return f.factory.ForAccount(ficapi.Credentials{
		AccessToken: account.AccessToken,
		CompanyId:   account.RemoteCompanyId,
	})
}

// SinkConfig describes how callback URLs and create requests are built.
type SinkConfig struct {
	PublicBaseURL      string
	System             string
	VerificationMethod string
	Mapping            string
}

func (c SinkConfig) SinkFor(accountId uint, group string) string {
	return BuildSinkURL(c.PublicBaseURL, c.System, accountId, group)
}

func (c SinkConfig) createRequest(sink string, types []string) ficapi.CreateSubscriptionRequest {
	req := ficapi.CreateSubscriptionRequest{
		Sink:               sink,
		Types:              append([]string(nil), types...),
		VerificationMethod: c.VerificationMethod,
	}
	if c.Mapping != "" {
		req.Config = &ficapi.SubscriptionConfig{Mapping: c.Mapping}
	}
	return req
}
