package utils

import (
	"context"

	"github.com/mmdatafocus/fic_sync/appctx"
)

var (
	ContextKeyAccountId     = appctx.ContextKeyAccountId
	ContextKeyAdminId       = appctx.ContextKeyAdminId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId

	ContextKeyIsAdmin         = appctx.ContextKeyIsAdmin
	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
)

func GetAccountIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeyAccountId)
}

func SetAccountIdInContext(ctx context.Context, accountId uint) context.Context {
	return appctx.Set(ctx, ContextKeyAccountId, accountId)
}

func GetAdminIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyAdminId)
}

func SetAdminIdInContext(ctx context.Context, adminId string) context.Context {
	return appctx.Set(ctx, ContextKeyAdminId, adminId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}

// SystemContext marks ctx as a cross-tenant batch context (reconcile all, renewal sweep).
func SystemContext(ctx context.Context) context.Context {
	return appctx.Set(ctx, ContextKeySkipTenantScope, true)
}
