package webhooks

import (
	"github.com/mmdatafocus/fic_sync/config"
	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Components is the wired object graph shared by the service and ficctl.
// Ingress.Dispatcher is left nil; the caller picks Pub/Sub or local.
type Components struct {
	Service    *Service
	Ingress    *Ingress
	Worker     *Worker
	Reconciler *Reconciler
	Renewals   *RenewalSweeper
	Ledger     Ledger
	Admin      *AdminAPI
}

// Build wires the gorm stores, the remote client factory and the lifecycle
// services from settings. locker may be nil for single-process tools.
func Build(db *gorm.DB, locker Locker, settings config.Settings, logger *logrus.Logger) (*Components, error) {
	handshake, err := NewHandshakeVerifier(settings.JWTPublicKeyPEM, logger)
	if err != nil {
		return nil, err
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}

	accounts := NewAccountStore(db)
	store := NewSubscriptionStore(db, settings.WebhookSystem)
	ledger := NewLedger(db)
	remote := NewRemoteFactory(ficapi.NewFactory(ficapi.Options{
		BaseURL:         settings.APIBaseURL,
		RateLimitPerMin: settings.RateLimitPerMin,
		RetryCount:      3,
		Logger:          logger,
	}))
	sinks := SinkConfig{
		PublicBaseURL:      settings.PublicBaseURL,
		System:             settings.WebhookSystem,
		VerificationMethod: settings.VerificationMethod,
		Mapping:            settings.WebhookMapping,
	}

	reconciler := &Reconciler{
		Accounts: accounts,
		Store:    store,
		Remote:   remote,
		Runs:     NewRunRecorder(db),
		Locker:   locker,
		Sinks:    sinks,
		Logger:   logger,
	}
	renewals := &RenewalSweeper{
		Accounts: accounts,
		Store:    store,
		Remote:   remote,
		Sinks:    sinks,
		Lead:     settings.RenewalLead,
		Logger:   logger,
	}
	service := &Service{
		Accounts:   accounts,
		Store:      store,
		Remote:     remote,
		Reconciler: reconciler,
		Renewals:   renewals,
		Locker:     locker,
		Sinks:      sinks,
		Logger:     logger,
	}
	return &Components{
		Service:    service,
		Reconciler: reconciler,
		Renewals:   renewals,
		Ledger:     ledger,
		Ingress: &Ingress{
			Store:     store,
			Ledger:    ledger,
			Handshake: handshake,
			System:    settings.WebhookSystem,
			Logger:    logger,
		},
		Worker: &Worker{
			Accounts:    accounts,
			Ledger:      ledger,
			Resources:   NewResourceStore(db),
			Remote:      remote,
			Logger:      logger,
			PhoneRegion: settings.PhoneRegion,
		},
		Admin: &AdminAPI{Service: service, Ledger: ledger, Logger: logger},
	}, nil
}
