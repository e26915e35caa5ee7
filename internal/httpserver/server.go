package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultUsageLimit = 20
	maxUsageLimit     = 200
)

// PricingAdmin persists administrator pricing overrides.
type PricingAdmin interface {
	UpsertFeatureCost(ctx context.Context, featureKey string, costCredits int64) error
	UpsertPlanCredit(ctx context.Context, planKey string, monthlyCredits int64) error
}

// Server exposes the metering engine over HTTP.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	service *metering.Service
	costs   *metering.CostResolver
	plans   *metering.PlanResolver
	pricing PricingAdmin
}

// NewServer wires a Server.
func NewServer(cfg Config, logger *zap.Logger, service *metering.Service, costs *metering.CostResolver, plans *metering.PlanResolver, pricing PricingAdmin) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		service: service,
		costs:   costs,
		plans:   plans,
		pricing: pricing,
	}, nil
}

// Run serves the API until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("metering api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(bearerAuthMiddleware([]byte(server.cfg.TokenSigningKey), server.cfg.TokenIssuer))

	api.GET("/balance", server.handleBalance)
	api.POST("/validate", server.handleValidate)
	api.POST("/deduct", server.handleDeduct)
	api.POST("/refund", server.handleRefund)
	api.GET("/usage", server.handleUsage)

	admin := router.Group("/admin")
	admin.Use(adminAuthMiddleware(server.cfg.AdminToken))

	admin.PUT("/balances/:user_id", server.handleAdminSet)
	admin.POST("/balances/:user_id/adjust", server.handleAdminAdjust)
	admin.POST("/plan-sync", server.handlePlanSync)
	admin.PUT("/pricing/features/:feature", server.handleUpsertFeatureCost)
	admin.PUT("/pricing/plans/:plan", server.handleUpsertPlanCredit)
	admin.POST("/pricing/refresh", server.handlePricingRefresh)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.requestUserID(ctx)
	if !ok {
		return
	}
	balance, err := server.service.BalanceFor(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "balance read failed", err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload(balance))
}

func (server *Server) handleValidate(ctx *gin.Context) {
	userID, ok := server.requestUserID(ctx)
	if !ok {
		return
	}
	var request ValidateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	feature, quantity, ok := parseFeatureQuantity(ctx, request.Feature, request.Quantity)
	if !ok {
		return
	}
	validation, err := server.service.Validate(ctx.Request.Context(), userID, feature, quantity)
	if err != nil {
		server.respondError(ctx, "validate failed", err)
		return
	}
	ctx.JSON(http.StatusOK, ValidationPayload{
		Status:           "ok",
		RequiredCredits:  validation.RequiredCredits.Int64(),
		AvailableCredits: validation.AvailableCredits.Int64(),
	})
}

func (server *Server) handleDeduct(ctx *gin.Context) {
	userID, ok := server.requestUserID(ctx)
	if !ok {
		return
	}
	var request DeductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	feature, quantity, ok := parseFeatureQuantity(ctx, request.Feature, request.Quantity)
	if !ok {
		return
	}
	details, err := metering.NewDetailsJSON(marshalDetails(request.Details))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_details", err.Error()))
		return
	}
	receipt, err := server.service.Deduct(ctx.Request.Context(), userID, feature, quantity, details)
	if err != nil {
		server.respondError(ctx, "deduct failed", err)
		return
	}
	ctx.JSON(http.StatusOK, ReceiptPayload{
		RemainingCredits: receipt.RemainingCredits.Int64(),
		RecordID:         receipt.RecordID,
	})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	userID, ok := server.requestUserID(ctx)
	if !ok {
		return
	}
	var request RefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	feature, quantity, ok := parseFeatureQuantity(ctx, request.Feature, request.Quantity)
	if !ok {
		return
	}
	details, err := metering.NewDetailsJSON(marshalDetails(request.Details))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_details", err.Error()))
		return
	}
	remaining, err := server.service.Refund(ctx.Request.Context(), userID, feature, quantity, request.Reason, request.DeductionRecordID, details)
	if err != nil {
		server.respondError(ctx, "refund failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"remaining_credits": remaining.Int64()})
}

func (server *Server) handleUsage(ctx *gin.Context) {
	userID, ok := server.requestUserID(ctx)
	if !ok {
		return
	}
	before, err := queryInt64(ctx, "before", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
		return
	}
	limit, err := queryInt64(ctx, "limit", defaultUsageLimit)
	if err != nil || limit < 1 || limit > maxUsageLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be between 1 and 200"))
		return
	}
	records, err := server.service.ListUsage(ctx.Request.Context(), userID, before, int(limit))
	if err != nil {
		server.respondError(ctx, "usage list failed", err)
		return
	}
	payloads := make([]UsagePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, usagePayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": payloads})
}

func (server *Server) handleAdminSet(ctx *gin.Context) {
	userID, ok := parseUserParam(ctx)
	if !ok {
		return
	}
	var request SetBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	balance, err := server.service.AdminSet(ctx.Request.Context(), userID, metering.Credits(request.Credits))
	if err != nil {
		server.respondError(ctx, "admin set failed", err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload(balance))
}

func (server *Server) handleAdminAdjust(ctx *gin.Context) {
	userID, ok := parseUserParam(ctx)
	if !ok {
		return
	}
	var request AdjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	remaining, err := server.service.AdminAdjust(ctx.Request.Context(), userID, metering.Credits(request.Delta), request.Note)
	if err != nil {
		server.respondError(ctx, "admin adjust failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"remaining_credits": remaining.Int64()})
}

func (server *Server) handlePlanSync(ctx *gin.Context) {
	var request PlanSyncRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := metering.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	planID, err := metering.NewPlanID(request.PlanID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan_id", err.Error()))
		return
	}
	balance, err := server.service.SyncPlan(ctx.Request.Context(), userID, planID)
	if err != nil {
		server.respondError(ctx, "plan sync failed", err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload(balance))
}

func (server *Server) handleUpsertFeatureCost(ctx *gin.Context) {
	feature, err := metering.NewFeature(ctx.Param("feature"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_feature", err.Error()))
		return
	}
	var request FeatureCostRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := server.pricing.UpsertFeatureCost(ctx.Request.Context(), feature.String(), request.CostCredits); err != nil {
		server.respondError(ctx, "feature cost upsert failed", err)
		return
	}
	if err := server.costs.Refresh(ctx.Request.Context()); err != nil {
		server.respondError(ctx, "cost refresh failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleUpsertPlanCredit(ctx *gin.Context) {
	planID, err := metering.NewPlanID(ctx.Param("plan"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan_id", err.Error()))
		return
	}
	var request PlanCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := server.pricing.UpsertPlanCredit(ctx.Request.Context(), planID.String(), request.MonthlyCredits); err != nil {
		server.respondError(ctx, "plan credit upsert failed", err)
		return
	}
	if err := server.plans.Refresh(ctx.Request.Context()); err != nil {
		server.respondError(ctx, "plan refresh failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handlePricingRefresh(ctx *gin.Context) {
	if err := server.costs.Refresh(ctx.Request.Context()); err != nil {
		server.respondError(ctx, "cost refresh failed", err)
		return
	}
	if err := server.plans.Refresh(ctx.Request.Context()); err != nil {
		server.respondError(ctx, "plan refresh failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps engine errors to HTTP conditions: the credit shortfall
// becomes a structured payment-required response, configuration mistakes
// stay 4xx, and infrastructure faults collapse to a generic envelope with
// full server-side detail.
func (server *Server) respondError(ctx *gin.Context, message string, err error) {
	var shortfall metering.InsufficientCreditsError
	switch {
	case errors.As(err, &shortfall):
		ctx.JSON(http.StatusPaymentRequired, ErrorEnvelope{Error: ErrorPayload{
			Code:             "insufficient_credits",
			Message:          shortfall.Error(),
			RequiredCredits:  shortfall.RequiredCredits.Int64(),
			AvailableCredits: shortfall.AvailableCredits.Int64(),
		}})
	case errors.Is(err, metering.ErrUnknownFeature):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("unknown_feature", err.Error()))
	case errors.Is(err, metering.ErrDuplicateRefund):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_refund", err.Error()))
	case errors.Is(err, metering.ErrInvalidUserID),
		errors.Is(err, metering.ErrInvalidFeature),
		errors.Is(err, metering.ErrInvalidPlanID),
		errors.Is(err, metering.ErrInvalidQuantity),
		errors.Is(err, metering.ErrInvalidCredits),
		errors.Is(err, metering.ErrInvalidDetailsJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("metering_error", message))
	}
}

func (server *Server) requestUserID(ctx *gin.Context) (metering.UserID, bool) {
	userID, err := metering.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user identity"))
		return metering.UserID{}, false
	}
	return userID, true
}

func parseUserParam(ctx *gin.Context) (metering.UserID, bool) {
	userID, err := metering.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return metering.UserID{}, false
	}
	return userID, true
}

func parseFeatureQuantity(ctx *gin.Context, rawFeature string, rawQuantity int) (metering.Feature, metering.Quantity, bool) {
	feature, err := metering.NewFeature(rawFeature)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_feature", err.Error()))
		return metering.Feature{}, 0, false
	}
	if rawQuantity == 0 {
		rawQuantity = 1
	}
	quantity, err := metering.NewQuantity(rawQuantity)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_quantity", err.Error()))
		return metering.Feature{}, 0, false
	}
	return feature, quantity, true
}

func queryInt64(ctx *gin.Context, name string, fallback int64) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func marshalDetails(details map[string]any) string {
	if details == nil {
		return "{}"
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func balancePayload(balance metering.Balance) gin.H {
	return gin.H{"balance": BalancePayload{
		BalanceID:         balance.BalanceID,
		UserID:            balance.UserID,
		CreditsTotal:      balance.CreditsTotal.Int64(),
		CreditsRemaining:  balance.CreditsRemaining.Int64(),
		LastSyncedUnixUTC: balance.LastSyncedUnixUTC,
	}}
}

func usagePayload(record metering.UsageRecord) UsagePayload {
	return UsagePayload{
		RecordID:         record.RecordID,
		Kind:             record.Kind.String(),
		Feature:          record.Feature,
		CreditsUsed:      record.CreditsUsed.Int64(),
		Reason:           record.Reason,
		RefundOfRecordID: record.RefundOfRecord,
		Details:          json.RawMessage(record.DetailsJSON),
		CreatedUnixUTC:   record.CreatedUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
