package webhooks

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/sirupsen/logrus"
)

// AdminAuthMiddleware requires an operator bearer token signed with secret.
func AdminAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		const bearer = "Bearer "
		if len(secret) == 0 || !strings.HasPrefix(auth, bearer) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := utils.JwtValidate(secret, strings.TrimSpace(auth[len(bearer):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetAdminIdInContext(c.Request.Context(), claims.Subject)
		ctx = utils.SetIsAdminInContext(ctx, true)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminAPI exposes the management operations over HTTP.
type AdminAPI struct {
	Service *Service
	Ledger  Ledger
	Logger  *logrus.Logger
}

// Register mounts the admin routes on group.
func (a *AdminAPI) Register(group *gin.RouterGroup) {
	acc := group.Group("/accounts/:accountId")
	acc.GET("/subscriptions", a.ListSubscriptionsHandler())
	acc.POST("/subscriptions", a.CreateSubscriptionHandler())
	acc.DELETE("/subscriptions/:remoteId", a.DeleteSubscriptionHandler())
	acc.POST("/subscriptions/:remoteId/verify", a.RetryVerificationHandler())
	acc.POST("/sync", a.SyncHandler())
	acc.POST("/fix-urls", a.FixURLsHandler())
	acc.GET("/diagnose", a.DiagnoseHandler())
	acc.GET("/events", a.EventsHandler())
	group.POST("/renew", a.RenewHandler())
}

func accountParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("accountId"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return uint(id), true
}

// statusForError maps domain errors to HTTP status and a stable code.
func statusForError(err error) (int, string) {
	var tooSoon *VerificationTooSoonError
	switch {
	case errors.As(err, &tooSoon):
		return http.StatusTooManyRequests, "verification_too_soon"
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrSubscriptionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAccountDisconnected):
		return http.StatusConflict, "account_disconnected"
	case errors.Is(err, ErrReconcileInProgress):
		return http.StatusConflict, "reconcile_in_progress"
	case errors.Is(err, ErrVerificationExhausted):
		return http.StatusConflict, "verification_exhausted"
	case errors.Is(err, ErrAlreadyVerified):
		return http.StatusConflict, "already_verified"
	case errors.Is(err, ficapi.ErrAuthentication):
		return http.StatusBadGateway, "remote_authentication"
	case errors.Is(err, ficapi.ErrRateLimited):
		return http.StatusTooManyRequests, "remote_rate_limited"
	case errors.Is(err, ficapi.ErrValidation):
		return http.StatusUnprocessableEntity, "remote_validation"
	case errors.Is(err, ficapi.ErrTransient):
		return http.StatusServiceUnavailable, "remote_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (a *AdminAPI) fail(c *gin.Context, err error, accountId uint, op string) {
	status, code := statusForError(err)
	entry := a.Logger.WithFields(logrus.Fields{"account_id": accountId, "op": op, "code": code}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("admin request failed")
	} else {
		entry.Info("admin request rejected")
	}
	body := gin.H{"code": code, "message": err.Error()}
	if status == http.StatusInternalServerError {
		body["message"] = "internal error"
	}
	c.JSON(status, body)
}

func (a *AdminAPI) ListSubscriptionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		subs, err := a.Service.ListSubscriptions(c.Request.Context(), accountId)
		if err != nil {
			a.fail(c, err, accountId, "list")
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": subs})
	}
}

func (a *AdminAPI) CreateSubscriptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		var req NewSubscriptionInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "errors": utils.ProcessValidationErrors(err)})
			return
		}
		req.AccountId = accountId
		sub, warnings, err := a.Service.CreateSubscription(c.Request.Context(), req)
		if err != nil {
			a.fail(c, err, accountId, "create")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"subscription": sub, "warnings": warnings})
	}
}

func (a *AdminAPI) DeleteSubscriptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		if err := a.Service.DeleteSubscription(c.Request.Context(), accountId, c.Param("remoteId")); err != nil {
			a.fail(c, err, accountId, "delete")
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (a *AdminAPI) RetryVerificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		sub, err := a.Service.RetryVerification(c.Request.Context(), accountId, c.Param("remoteId"))
		if err != nil {
			var tooSoon *VerificationTooSoonError
			if errors.As(err, &tooSoon) {
				c.Header("Retry-After", strconv.Itoa(int(tooSoon.NextAllowedAt.Sub(a.Service.now()).Seconds())+1))
			}
			a.fail(c, err, accountId, "verify")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"subscription": sub})
	}
}

func (a *AdminAPI) SyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		report, err := a.Service.Sync(c.Request.Context(), accountId, "api")
		if err != nil {
			a.fail(c, err, accountId, "sync")
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (a *AdminAPI) FixURLsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		dryRun, _ := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
		report, err := a.Service.FixURLs(c.Request.Context(), accountId, dryRun)
		if err != nil {
			a.fail(c, err, accountId, "fix-urls")
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (a *AdminAPI) DiagnoseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		report, err := a.Service.Diagnose(c.Request.Context(), accountId)
		if err != nil {
			a.fail(c, err, accountId, "diagnose")
			return
		}
		if c.Query("format") != "xlsx" {
			c.JSON(http.StatusOK, report)
			return
		}
		f, err := DiagnoseWorkbook(report)
		if err != nil {
			a.fail(c, err, accountId, "diagnose")
			return
		}
		defer f.Close()
		c.Header("Content-Disposition", "attachment; filename="+DiagnoseFileName(accountId, report.StartedAt))
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			a.Logger.WithError(err).Error("failed to stream diagnose workbook")
		}
	}
}

func (a *AdminAPI) EventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId, ok := accountParam(c)
		if !ok {
			return
		}
		filter := LedgerFilter{AccountId: accountId}
		if s := models.LedgerStatus(c.Query("status")); s != "" {
			if !s.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
				return
			}
			filter.Status = s
		}
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = n
			}
		}
		ctx := utils.SetAccountIdInContext(c.Request.Context(), accountId)
		entries, err := a.Ledger.List(ctx, filter)
		if err != nil {
			a.fail(c, err, accountId, "events")
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": entries})
	}
}

func (a *AdminAPI) RenewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := RenewalOptions{}
		opts.DryRun, _ = strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
		if v := c.Query("account_id"); v != "" {
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
				return
			}
			opts.AccountId = uint(id)
		}
		summary, err := a.Service.Renew(c.Request.Context(), opts)
		if summary == nil && err != nil {
			a.fail(c, err, opts.AccountId, "renew")
			return
		}
		status := http.StatusOK
		if err != nil {
			status = http.StatusMultiStatus
		}
		c.JSON(status, summary)
	}
}
