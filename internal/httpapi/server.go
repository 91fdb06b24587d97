// Package httpapi is the gin façade over the metering ledger and its session
// and payment collaborators.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/payments"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/session"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

// Services groups the collaborators the façade exposes.
type Services struct {
	Ledger   *metering.Service
	Sessions *session.Service
	Payments *payments.Service
}

// Run boots the HTTP server using the supplied configuration and blocks until
// the context is cancelled or the listener fails.
func Run(ctx context.Context, cfg Config, services Services, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{logger: logger, services: services, cfg: cfg}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.POST("/sessions", handler.handleStartSession)
	api.POST("/sessions/:id/end", handler.handleEndSession)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/durations", handler.handleDurations)

	webhooks := router.Group("/webhooks")
	webhooks.POST("/call-ended", handler.handleCallEndedWebhook)
	webhooks.POST("/payment", handler.handlePaymentWebhook)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      Config
}

type startSessionRequest struct {
	PlannedMinutes int `json:"planned_minutes"`
}

type endSessionRequest struct {
	Completed      bool  `json:"completed"`
	ElapsedSeconds int64 `json:"elapsed_seconds"`
}

type callEndedPayload struct {
	CallID         string `json:"call_id"`
	Completed      bool   `json:"completed"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

type paymentPayload struct {
	Reference string  `json:"reference"`
	UserID    string  `json:"user_id"`
	Credits   float64 `json:"credits"`
	Status    string  `json:"status"`
	Metadata  string  `json:"metadata"`
}

func (handler *httpHandler) handleStartSession(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	var request startSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	started, err := handler.services.Sessions.Start(requestCtx, userID, request.PlannedMinutes)
	if err != nil {
		handler.respondServiceError(ctx, "start session", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": sessionPayloadFrom(started)})
}

func (handler *httpHandler) handleEndSession(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	var request endSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	ended, outcome, err := handler.services.Sessions.EndByID(requestCtx, ctx.Param("id"), userID, session.EndEvent{
		Completed:      request.Completed,
		ElapsedSeconds: request.ElapsedSeconds,
	})
	if err != nil {
		handler.respondServiceError(ctx, "end session", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"outcome": string(outcome),
		"session": sessionPayloadFrom(ended),
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.services.Ledger.GetBalance(requestCtx, userID)
	if err != nil {
		handler.respondServiceError(ctx, "wallet", err)
		return
	}
	page, err := handler.services.Ledger.ListTransactions(requestCtx, userID, metering.TransactionFilter{Limit: walletHistoryLimit})
	if err != nil {
		handler.respondServiceError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":             balancePayloadFrom(balance),
		"recent_transactions": transactionPayloadsFrom(page.Transactions),
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	filter, err := parseTransactionFilter(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_filter", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	page, err := handler.services.Ledger.ListTransactions(requestCtx, userID, filter)
	if err != nil {
		handler.respondServiceError(ctx, "transactions", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": transactionPayloadsFrom(page.Transactions),
		"total":        page.Total,
		"has_more":     page.HasMore,
	})
}

func (handler *httpHandler) handleDurations(ctx *gin.Context) {
	userID, ok := handler.authenticatedUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.services.Ledger.GetBalance(requestCtx, userID)
	if err != nil {
		handler.respondServiceError(ctx, "durations", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"available_credits":    balance.AvailableCredits.Float64(),
		"credits_per_minute":   metering.CreditsPerMinute,
		"standard_durations":   metering.StandardDurationsMinutes,
		"suggested_durations":  metering.SuggestDurations(balance.AvailableCredits),
		"max_duration_minutes": metering.MaxDurationMinutes(balance.AvailableCredits),
	})
}

func (handler *httpHandler) handleCallEndedWebhook(ctx *gin.Context) {
	var payload callEndedPayload
	if _, ok := handler.verifiedWebhookBody(ctx, handler.cfg.CallWebhookSecret, &payload); !ok {
		return
	}
	if strings.TrimSpace(payload.CallID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "call_id required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	_, outcome, err := handler.services.Sessions.EndByCallID(requestCtx, payload.CallID, session.EndEvent{
		Completed:      payload.Completed,
		ElapsedSeconds: payload.ElapsedSeconds,
	})
	if err != nil {
		if errors.Is(err, metering.ErrNotFound) {
			// Unknown call ids are acknowledged so the provider stops retrying.
			ctx.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		handler.logger.Error("call-ended webhook failed", zap.String("call_id", payload.CallID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_failure", "settlement failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(outcome)})
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var payload paymentPayload
	if _, ok := handler.verifiedWebhookBody(ctx, handler.cfg.PaymentWebhookSecret, &payload); !ok {
		return
	}
	if !strings.EqualFold(payload.Status, "completed") {
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	userID, err := metering.NewUserID(payload.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "user_id required"))
		return
	}
	if strings.TrimSpace(payload.Reference) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "reference required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	_, err = handler.services.Payments.CreditCompletedPayment(requestCtx, payments.CompletedPayment{
		UserID:      userID,
		ProviderRef: payload.Reference,
		Credits:     payload.Credits,
		Metadata:    payload.Metadata,
	})
	if errors.Is(err, metering.ErrAlreadyProcessed) {
		ctx.JSON(http.StatusOK, gin.H{"received": true, "already_processed": true})
		return
	}
	if err != nil {
		if errors.Is(err, metering.ErrInvalidAmount) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "credits must be positive"))
			return
		}
		handler.logger.Error("payment webhook failed", zap.String("reference", payload.Reference), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_failure", "credit failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

// verifiedWebhookBody reads the body, checks its HMAC signature when a secret
// is configured, and unmarshals the payload. It writes the error response
// itself and reports success through the bool.
func (handler *httpHandler) verifiedWebhookBody(ctx *gin.Context, secret string, payload any) ([]byte, bool) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return nil, false
	}
	if secret != "" {
		signature := ctx.GetHeader("X-Webhook-Signature")
		if !payments.VerifySignature(secret, body, signature) {
			ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature mismatch"))
			return nil, false
		}
	}
	if err := bindJSONBody(body, payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return nil, false
	}
	return body, true
}

func (handler *httpHandler) authenticatedUser(ctx *gin.Context) (metering.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return metering.UserID{}, false
	}
	userID, err := metering.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return metering.UserID{}, false
	}
	return userID, true
}

// respondServiceError translates domain errors into HTTP responses.
// Insufficient-credit failures carry the shortfall payload so clients can
// offer shorter durations without another round trip.
func (handler *httpHandler) respondServiceError(ctx *gin.Context, action string, err error) {
	var shortfall metering.InsufficientCreditsError
	switch {
	case errors.As(err, &shortfall):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":                 "insufficient_credits",
				"message":              "not enough credits for the requested duration",
				"available":            shortfall.Available.Float64(),
				"needed":               shortfall.Needed.Float64(),
				"suggested_durations":  shortfall.SuggestedDurations,
				"max_duration_minutes": shortfall.MaxDurationMinutes,
			},
		})
	case errors.Is(err, metering.ErrNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "resource not found"))
	case errors.Is(err, metering.ErrAlreadyProcessed):
		ctx.JSON(http.StatusConflict, errorResponse("already_processed", "operation already applied"))
	case errors.Is(err, metering.ErrInvalidDuration),
		errors.Is(err, metering.ErrInvalidAmount),
		errors.Is(err, metering.ErrInvalidUserID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
	default:
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_failure", action+" failed"))
	}
}

func parseTransactionFilter(ctx *gin.Context) (metering.TransactionFilter, error) {
	var filter metering.TransactionFilter
	if raw := ctx.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("limit must be an integer")
		}
		filter.Limit = limit
	}
	if raw := ctx.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("offset must be an integer")
		}
		filter.Offset = offset
	}
	if raw := ctx.Query("type"); raw != "" {
		transactionType, err := metering.ParseTransactionType(raw)
		if err != nil {
			return filter, fmt.Errorf("unknown transaction type %q", raw)
		}
		filter.Type = transactionType
	}
	if raw := ctx.Query("start_date"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("start_date must be RFC3339")
		}
		filter.StartDate = start
	}
	if raw := ctx.Query("end_date"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("end_date must be RFC3339")
		}
		filter.EndDate = end
	}
	return filter, nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
