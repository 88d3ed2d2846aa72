package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxNotificationBytes = 1 << 20

// dispatchRetryAfterSeconds is sent with 503 when a task could not be queued.
const dispatchRetryAfterSeconds = 60

// Ingress serves GET verification challenges and POST notifications on
// /webhooks/:system/:accountId/:group.
type Ingress struct {
	Store      SubscriptionStore
	Ledger     Ledger
	Dispatcher Dispatcher
	Handshake  *HandshakeVerifier
	System     string
	Logger     *logrus.Logger
}

type ingressRoute struct {
	accountId uint
	group     string
}

func (h *Ingress) route(c *gin.Context) (ingressRoute, bool) {
	if h.System != "" && c.Param("system") != h.System {
		return ingressRoute{}, false
	}
	id, err := strconv.ParseUint(c.Param("accountId"), 10, 64)
	if err != nil || id == 0 {
		return ingressRoute{}, false
	}
	group := c.Param("group")
	if group == "" {
		return ingressRoute{}, false
	}
	return ingressRoute{accountId: uint(id), group: group}, true
}

func ingressError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

// VerificationHandler echoes the challenge. It reads nothing from the
// database.
func (h *Ingress) VerificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		challenge := c.GetHeader(VerificationChallengeKey)
		if challenge == "" {
			challenge = c.Query(VerificationChallengeKey)
		}
		if challenge == "" {
			ingressError(c, http.StatusBadRequest, "missing_challenge", "verification challenge missing")
			return
		}

		result := h.Handshake.Check(c.Request)
		h.Logger.WithFields(logrus.Fields{
			"path":      c.Request.URL.Path,
			"handshake": result,
		}).Info("webhook verification challenge answered")

		c.JSON(http.StatusOK, gin.H{"verification": challenge})
	}
}

// NotificationHandler authenticates, records and queues a notification,
// then answers 202 without waiting for any resource sync.
func (h *Ingress) NotificationHandler() gin.HandlerFunc {
	tracer := otel.Tracer("fic_sync/webhooks")
	return func(c *gin.Context) {
		rt, ok := h.route(c)
		if !ok {
			ingressError(c, http.StatusNotFound, "route_not_found", "unknown webhook route")
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "webhook.notification",
			trace.WithAttributes(
				attribute.Int64("account_id", int64(rt.accountId)),
				attribute.String("event_group", rt.group),
			))
		defer span.End()
		ctx = utils.SetAccountIdInContext(ctx, rt.accountId)
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		if correlationId == "" {
			correlationId = c.GetString("correlation_id")
		}
		log := h.Logger.WithFields(logrus.Fields{
			"account_id":     rt.accountId,
			"event_group":    rt.group,
			"correlation_id": correlationId,
		})

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBytes))
		if err != nil {
			ingressError(c, http.StatusRequestEntityTooLarge, "body_too_large", "notification body rejected")
			return
		}

		subs, err := h.Store.FindActiveByRoute(ctx, rt.accountId, rt.group)
		if err != nil {
			log.WithError(err).Error("subscription lookup failed")
			ingressError(c, http.StatusServiceUnavailable, "unavailable", "try again later")
			return
		}
		if len(subs) == 0 {
			log.Info("notification for route without active subscription")
			ingressError(c, http.StatusNotFound, "subscription_not_found", "no active subscription")
			return
		}

		sub, err := MatchSignature(subs, body, c.GetHeader(SignatureHeader))
		switch {
		case errors.Is(err, ErrSubscriptionMisconfigured):
			log.WithField("subscriptions", len(subs)).Error("webhook subscription has no signing secret")
			ingressError(c, http.StatusInternalServerError, "subscription_misconfigured", "subscription is misconfigured")
			return
		case err != nil:
			log.Warn("webhook signature rejected")
			ingressError(c, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
			return
		}
		log = log.WithField("remote_id", sub.RemoteId)

		n, err := ParseNotification(c.Request.Header, body)
		if err != nil {
			log.WithError(err).Warn("malformed webhook notification")
			ingressError(c, http.StatusBadRequest, "malformed_notification", "notification could not be parsed")
			return
		}
		log = log.WithFields(logrus.Fields{"event_type": n.Type, "event_id": n.EventId})

		category, action, known := ParseEventType(n.Type)
		if !known {
			log.Info("ignoring notification for unsynced event type")
			c.JSON(http.StatusAccepted, gin.H{"status": "queued", "queued": 0, "skipped": len(n.Ids)})
			return
		}

		queued, skipped, dispatchFailed := 0, 0, false
		for _, id := range n.Ids {
			subId := sub.ID
			entry := &models.EventLedgerEntry{
				AccountId:        rt.accountId,
				EventType:        n.Type,
				ResourceCategory: category,
				ResourceId:       id,
				EventId:          n.EventId,
				SubscriptionId:   &subId,
				OccurredAt:       n.OccurredAt,
				PayloadJSON:      body,
			}
			outcome, lerr := h.Ledger.Record(ctx, entry)
			if lerr != nil {
				// Best effort: acknowledging in time matters more than the row.
				log.WithError(lerr).WithField("resource_id", id).Error("ledger write failed; dispatching without ledger entry")
				entry.ID = 0
			} else if outcome == RecordDuplicate {
				skipped++
				continue
			}

			task := SyncTask{
				AccountId:     rt.accountId,
				Category:      category,
				RemoteId:      id,
				Action:        action,
				EventType:     n.Type,
				LedgerEntryId: entry.ID,
				CorrelationId: correlationId,
			}
			if derr := h.Dispatcher.Dispatch(ctx, task); derr != nil {
				dispatchFailed = true
				log.WithError(derr).WithField("resource_id", id).Error("resource sync dispatch failed")
				if entry.ID != 0 {
					if ferr := h.Ledger.MarkFailed(ctx, entry.ID, "dispatch: "+derr.Error()); ferr != nil {
						log.WithError(ferr).Error("failed to mark ledger entry failed")
					}
				}
				continue
			}
			queued++
		}

		span.SetAttributes(attribute.Int("queued", queued), attribute.Int("skipped", skipped))
		if dispatchFailed {
			c.Header("Retry-After", strconv.Itoa(dispatchRetryAfterSeconds))
			ingressError(c, http.StatusServiceUnavailable, "dispatch_unavailable", "notification could not be queued")
			return
		}
		log.WithFields(logrus.Fields{"queued": queued, "skipped": skipped}).Info("webhook notification accepted")
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "queued": queued, "skipped": skipped})
	}
}
