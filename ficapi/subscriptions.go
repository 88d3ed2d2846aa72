package ficapi

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/sirupsen/logrus"
)

// Subscription is a remote webhook subscription as listed by the API.
type Subscription struct {
	Id                 string              `json:"id"`
	Sink               string              `json:"sink"`
	Verified           bool                `json:"verified"`
	Types              []string            `json:"types"`
	VerificationMethod string              `json:"verification_method,omitempty"`
	Config             *SubscriptionConfig `json:"config,omitempty"`
	ExpiresAtRaw       string              `json:"expires_at,omitempty"`
}

// ExpiresAt parses expires_at. Absent or malformed values return nil.
func (s Subscription) ExpiresAt() *time.Time {
	return utils.ParseTimePtr(s.ExpiresAtRaw)
}

type SubscriptionConfig struct {
	Mapping string `json:"mapping,omitempty"`
}

// CreateSubscriptionRequest is the payload of a create call.
type CreateSubscriptionRequest struct {
	Sink               string              `json:"sink"`
	Types              []string            `json:"types"`
	VerificationMethod string              `json:"verification_method,omitempty"`
	Config             *SubscriptionConfig `json:"config,omitempty"`
}

// CreatedSubscription is the create response. Duplicate is set when
// CreateSubscription returned an existing subscription instead of creating one.
type CreatedSubscription struct {
	Id           string   `json:"id"`
	Verified     bool     `json:"verified"`
	Types        []string `json:"types"`
	Warnings     []string `json:"warnings"`
	Secret       string   `json:"secret,omitempty"`
	ExpiresAtRaw string   `json:"expires_at,omitempty"`
	Duplicate    bool     `json:"-"`
}

func (s CreatedSubscription) ExpiresAt() *time.Time {
	return utils.ParseTimePtr(s.ExpiresAtRaw)
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

// CreateSubscription registers a subscription unless one with the same sink
// and type set already exists, in which case that one is returned.
func (c *Client) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*CreatedSubscription, error) {
	existing, err := c.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.Sink == req.Sink && sameTypes(s.Types, req.Types) {
			c.logger.WithFields(logrus.Fields{
				"company_id": c.creds.CompanyId,
				"remote_id":  s.Id,
				"sink":       s.Sink,
			}).Info("fic subscription already registered; skipping create")
			return &CreatedSubscription{
				Id:           s.Id,
				Verified:     s.Verified,
				Types:        s.Types,
				ExpiresAtRaw: s.ExpiresAtRaw,
				Duplicate:    true,
			}, nil
		}
	}
	return c.CreateSubscriptionRaw(ctx, req)
}

// CreateSubscriptionRaw registers a subscription without checking for an
// existing one. Reconciliation uses it to recreate misrouted subscriptions.
func (c *Client) CreateSubscriptionRaw(ctx context.Context, req CreateSubscriptionRequest) (*CreatedSubscription, error) {
	var out dataEnvelope[CreatedSubscription]
	body := dataEnvelope[CreateSubscriptionRequest]{Data: req}
	if err := c.do(ctx, "create_subscription", http.MethodPost, c.companyPath("/subscriptions"), body, &out); err != nil {
		return nil, err
	}
	if len(out.Data.Warnings) > 0 {
		c.logger.WithFields(logrus.Fields{
			"company_id": c.creds.CompanyId,
			"remote_id":  out.Data.Id,
			"warnings":   out.Data.Warnings,
		}).Warn("fic subscription created with warnings")
	}
	return &out.Data, nil
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var out dataEnvelope[[]Subscription]
	if err := c.do(ctx, "list_subscriptions", http.MethodGet, c.companyPath("/subscriptions"), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) GetSubscription(ctx context.Context, remoteId string) (*Subscription, error) {
	var out dataEnvelope[Subscription]
	if err := c.do(ctx, "get_subscription", http.MethodGet, c.companyPath("/subscriptions/%s", remoteId), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, remoteId string) error {
	return c.do(ctx, "delete_subscription", http.MethodDelete, c.companyPath("/subscriptions/%s", remoteId), nil, nil)
}

// VerifySubscription asks the remote to re-run the verification handshake.
func (c *Client) VerifySubscription(ctx context.Context, remoteId string) error {
	return c.do(ctx, "verify_subscription", http.MethodPost, c.companyPath("/subscriptions/%s/verify", remoteId), nil, nil)
}

func sameTypes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if !strings.EqualFold(x[i], y[i]) {
			return false
		}
	}
	return true
}
